package framestore

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/scrollstitch/dbopen"
	"github.com/hazyhaar/scrollstitch/raster"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), dbopen.OpenMemory(t), filepath.Join(t.TempDir(), "frames"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func encoded(t *testing.T, w, h int, shade uint8, format string) []byte {
	t.Helper()
	m := raster.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.Set(x, y, color.RGBA{R: shade, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := raster.Encode(&buf, m, format, 95); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func put(t *testing.T, s *Store, id string, n int, data []byte, format string) *Frame {
	t.Helper()
	img, _, err := raster.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	f, err := s.PutFrame(context.Background(), id, FrameInput{
		FrameNumber: n, Data: data, Format: format, Width: img.Width, Height: img.Height,
		ScrollPosition: n * 100, ViewportHeight: img.Height,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSessionLifecycle(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "cap_1", map[string]any{"url": "https://example.org"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateSession(ctx, "cap_1", nil); err == nil {
		t.Fatal("duplicate session id accepted")
	}
	dir, _ := s.SessionDir("cap_1")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("frame dir not provisioned: %v", err)
	}

	if err := s.BeginCompletion(ctx, "cap_1", map[string]any{"title": "Thread"}); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginCompletion(ctx, "cap_1", nil); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second BeginCompletion: %v", err)
	}

	got, err := s.GetSession(ctx, "cap_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateCompleting || got.Metadata["url"] != "https://example.org" || got.Metadata["title"] != "Thread" {
		t.Fatalf("session = %+v", got)
	}

	if err := s.CloseSession(ctx, "cap_1", CloseResult{ComposedPath: "/out/cap_1.png", TilesPath: "/out/tiles"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSession(ctx, "cap_1")
	if got.State != StateClosed || got.ComposedPath != "/out/cap_1.png" {
		t.Fatalf("closed session = %+v", got)
	}

	if _, err := s.GetSession(ctx, "cap_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
	if err := s.CloseSession(ctx, "cap_nope", CloseResult{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("close unknown: %v", err)
	}
}

func TestCreateSessionRejectsUnsafeID(t *testing.T) {
	s := tempStore(t)
	for _, id := range []string{"", "../x", ".hidden", "a/b"} {
		if _, err := s.CreateSession(context.Background(), id, nil); err == nil {
			t.Errorf("CreateSession(%q) accepted", id)
		}
	}
}

func TestListSessionsByState(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	for _, id := range []string{"cap_a", "cap_b", "cap_c"} {
		if _, err := s.CreateSession(ctx, id, nil); err != nil {
			t.Fatal(err)
		}
	}
	s.BeginCompletion(ctx, "cap_b", nil)

	open, err := s.ListSessions(ctx, StateOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 || open[0].ID != "cap_a" || open[1].ID != "cap_c" {
		t.Fatalf("open = %+v", open)
	}
	all, _ := s.ListSessions(ctx, "")
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
}

func TestPutFrameUpsertAndOrder(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	s.CreateSession(ctx, "cap_1", nil)

	put(t, s, "cap_1", 2, encoded(t, 20, 10, 10, raster.FormatPNG), "png")
	put(t, s, "cap_1", 0, encoded(t, 20, 10, 20, raster.FormatPNG), "png")
	first := put(t, s, "cap_1", 1, encoded(t, 20, 10, 30, raster.FormatPNG), "png")

	// Re-submit frame 1 as jpeg: the record and file are replaced.
	replaced := put(t, s, "cap_1", 1, encoded(t, 20, 12, 40, raster.FormatJPEG), "jpeg")
	if filepath.Base(replaced.Path) != "frame_0001.jpg" {
		t.Fatalf("path = %s", replaced.Path)
	}
	if _, err := os.Stat(first.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale frame file kept: %v", err)
	}

	frames, err := s.Frames(ctx, "cap_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if f.FrameNumber != i {
			t.Fatalf("frame %d has number %d", i, f.FrameNumber)
		}
	}
	if frames[1].Height != 12 || frames[1].SHA256 != replaced.SHA256 || frames[1].ScrollPosition != 100 {
		t.Fatalf("upserted frame = %+v", frames[1])
	}

	data, _ := os.ReadFile(frames[0].Path)
	if len(data) == 0 || filepath.Base(frames[0].Path) != "frame_0000.png" {
		t.Fatalf("frame file %s has %d bytes", frames[0].Path, len(data))
	}
}

func TestPutFrameRequiresOpenSession(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	data := encoded(t, 8, 8, 1, raster.FormatPNG)

	_, err := s.PutFrame(ctx, "cap_missing", FrameInput{FrameNumber: 0, Data: data, Format: "png", Width: 8, Height: 8})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session: %v", err)
	}

	s.CreateSession(ctx, "cap_1", nil)
	kept := put(t, s, "cap_1", 0, data, "png")
	s.BeginCompletion(ctx, "cap_1", nil)
	_, err = s.PutFrame(ctx, "cap_1", FrameInput{FrameNumber: 0, Data: data, Format: "png", Width: 8, Height: 8})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("completing session: %v", err)
	}
	if _, err := os.Stat(kept.Path); err != nil {
		t.Fatalf("rejected write removed the stored frame: %v", err)
	}
	if _, err := s.PutFrame(ctx, "cap_1", FrameInput{FrameNumber: -1}); err == nil {
		t.Fatal("negative frame number accepted")
	}
}

func TestSourceLoadsInOrder(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	s.CreateSession(ctx, "cap_1", nil)
	put(t, s, "cap_1", 5, encoded(t, 16, 9, 50, raster.FormatPNG), "png")
	put(t, s, "cap_1", 3, encoded(t, 16, 7, 30, raster.FormatPNG), "png")

	frames, _ := s.Frames(ctx, "cap_1")
	src := NewSource(frames)
	if src.Len() != 2 || src.Frame(0).FrameNumber != 3 {
		t.Fatalf("source order wrong")
	}
	m, err := src.Load(0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Height != 7 || m.Pix[0] != 30 {
		t.Fatalf("loaded %dx%d first byte %d", m.Width, m.Height, m.Pix[0])
	}

	// A file swapped behind the index is detected.
	os.WriteFile(frames[1].Path, encoded(t, 4, 4, 0, raster.FormatPNG), 0o644)
	if _, err := src.Load(1); err == nil {
		t.Fatal("dimension mismatch not detected")
	}
}

func TestRemoveFrames(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	s.CreateSession(ctx, "cap_1", nil)
	put(t, s, "cap_1", 0, encoded(t, 8, 8, 1, raster.FormatPNG), "png")

	if err := s.RemoveFrames(ctx, "cap_1"); err != nil {
		t.Fatal(err)
	}
	frames, _ := s.Frames(ctx, "cap_1")
	dir, _ := s.SessionDir("cap_1")
	if _, err := os.Stat(dir); len(frames) != 0 || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("frames %d, dir stat %v", len(frames), err)
	}
	if _, err := s.GetSession(ctx, "cap_1"); err != nil {
		t.Fatal("session row should remain")
	}
}
