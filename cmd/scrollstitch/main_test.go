package main

import (
	"bytes"
	"context"
	"image/color"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/scrollstitch/capture"
	"github.com/hazyhaar/scrollstitch/dbopen"
	"github.com/hazyhaar/scrollstitch/observability"
	"github.com/hazyhaar/scrollstitch/pyramid"
	"github.com/hazyhaar/scrollstitch/raster"
	"github.com/hazyhaar/scrollstitch/shield"
)

func writeFrames(t *testing.T, dir string) []string {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 11))
	page := raster.New(120, 600)
	for y := 0; y < 600; y++ {
		for x := 0; x < 120; x++ {
			v := byte(((x/6)*29+(y/6)*53)%180) + byte(rng.IntN(70))
			page.Set(x, y, color.RGBA{R: v, G: 255 - v, B: v / 2})
		}
	}
	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, "frame"+string(rune('0'+i))+".png")
		if err := raster.SaveFile(p, page.SubRows(i*150, i*150+300).Clone(), raster.FormatPNG, 0); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

func TestStitchAndTileCommands(t *testing.T) {
	dir := t.TempDir()
	frames := writeFrames(t, dir)
	out := filepath.Join(dir, "page.png")
	tiles := filepath.Join(dir, "tiles")

	msg := execute(t, append([]string{"stitch", "-o", out, "--tiles", tiles}, frames...)...)
	if !strings.Contains(msg, "3 frames") {
		t.Errorf("stitch output = %q", msg)
	}
	img, err := raster.LoadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 120 || img.Height < 300 {
		t.Errorf("composed %dx%d", img.Width, img.Height)
	}
	if _, err := pyramid.ReadManifest(tiles); err != nil {
		t.Error(err)
	}

	retiled := filepath.Join(dir, "retiled")
	execute(t, "tile", "-o", retiled, out)
	man, err := pyramid.ReadManifest(retiled)
	if err != nil {
		t.Fatal(err)
	}
	if man.Width != img.Width || man.Height != img.Height {
		t.Errorf("manifest %dx%d, image %dx%d", man.Width, man.Height, img.Width, img.Height)
	}
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	dir := t.TempDir()
	cfg := capture.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "index.db")
	cfg.FramesDir = filepath.Join(dir, "frames")
	cfg.StitchedDir = filepath.Join(dir, "stitched")
	cfg.TilesDir = filepath.Join(dir, "tiles")
	ctx := context.Background()

	obsDB := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	prom := observability.NewProm()
	svc, err := capture.New(ctx, cfg, dbopen.OpenMemory(t), capture.WithProm(prom))
	if err != nil {
		t.Fatal(err)
	}
	hb := observability.NewHeartbeatWriter(obsDB, workerName, time.Minute, svc.LiveSessions, nil)
	if err := hb.WriteHeartbeat(ctx); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newRouter(cfg, svc, obsDB, prom, shield.NewDrain("/v1/health", "/metrics"), nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || resp.Header.Get(shield.RequestIDHeader) == "" {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"scrollstitch_sessions_created_total 1", "scrollstitch_live_sessions 1"} {
		if !strings.Contains(body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
