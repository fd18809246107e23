// Package capture is the session orchestrator of the stitching service. It
// owns the live session registry, accepts frames, and hands completed
// sessions to a worker pool that composes the frames into one tall image
// and cuts it into a tile pyramid.
//
// Lifecycle:
//
//	open --AddFrame--> open --CompleteSession--> completing --> closed
//
// A session leaves the live registry the moment completion starts, so
// AddFrame, CompleteSession and Info on it report ErrSessionNotFound from
// then on. Failed completions close the session; the caller starts over.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/scrollstitch/compose"
	"github.com/hazyhaar/scrollstitch/framestore"
	"github.com/hazyhaar/scrollstitch/idgen"
	"github.com/hazyhaar/scrollstitch/jobqueue"
	"github.com/hazyhaar/scrollstitch/kit"
	"github.com/hazyhaar/scrollstitch/observability"
	"github.com/hazyhaar/scrollstitch/overlap"
	"github.com/hazyhaar/scrollstitch/pyramid"
	"github.com/hazyhaar/scrollstitch/raster"
)

const completionQueue = "complete"

var (
	errInterrupted = errors.New("completion interrupted by restart")
	errExpired     = errors.New("expired")
)

// ErrRetileInProgress is returned when a retile of the same session is
// already running.
var ErrRetileInProgress = errors.New("capture: retile already in progress")

// ArtifactResult describes the output of a completed session.
type ArtifactResult struct {
	SessionID         string            `json:"session_id"`
	ComposedImagePath string            `json:"composed_image_path"`
	TilesPath         string            `json:"tiles_path"`
	Manifest          *pyramid.Manifest `json:"manifest"`
	FrameCount        int               `json:"frame_count"`
	Fallbacks         int               `json:"fallbacks"`
	DurationMs        int64             `json:"duration_ms"`
}

// FrameUpload is one frame as received from a capture client. Data is the
// encoded image (png, jpeg or webp).
type FrameUpload struct {
	FrameNumber    int
	Data           []byte
	ScrollPosition int
	ViewportHeight int
	Timestamp      time.Time
}

// Service is the session orchestrator. Construct it with New, call Recover,
// then Run it until shutdown.
type Service struct {
	cfg      *Config
	store    *framestore.Store
	queue    *jobqueue.Q
	reg      *registry
	composer *compose.Composer
	tiler    *pyramid.Generator
	logger   *slog.Logger

	metrics *observability.MetricsManager
	events  *observability.EventLogger
	prom    *observability.Prom

	mu       sync.Mutex
	futures  map[string]*Future
	retiling sync.Map

	newID func() string
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics records pipeline datapoints to the SQLite timeseries.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(s *Service) { s.metrics = mm }
}

// WithEvents records session lifecycle events.
func WithEvents(el *observability.EventLogger) Option {
	return func(s *Service) { s.events = el }
}

// WithProm updates Prometheus collectors.
func WithProm(p *observability.Prom) Option { return func(s *Service) { s.prom = p } }

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(s *Service) { s.newID = gen } }

// New validates cfg, migrates db and wires the pipeline. db holds both the
// session index and the completion queue.
func New(ctx context.Context, cfg *Config, db *sql.DB, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("capture: config: %w", err)
	}
	s := &Service{
		cfg:     cfg,
		reg:     newRegistry(),
		logger:  slog.Default(),
		futures: make(map[string]*Future),
		newID:   idgen.Session,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	store, err := framestore.Open(ctx, db, cfg.FramesDir, s.logger)
	if err != nil {
		return nil, err
	}
	s.store = store

	for _, dir := range []string{cfg.StitchedDir, cfg.TilesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("capture: mkdir %s: %w", dir, err)
		}
	}

	s.queue = jobqueue.New(db, jobqueue.Options{
		Queue:       completionQueue,
		MaxAttempts: 1,
		OnDiscard:   s.discard,
		Logger:      s.logger,
	})
	if err := s.queue.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("capture: job table: %w", err)
	}

	copts := []compose.Option{compose.WithLogger(s.logger)}
	if s.prom != nil {
		copts = append(copts, compose.WithFallbackHook(s.prom.MatchingFallbacks.Inc))
	}
	s.composer = compose.New(overlap.New(cfg.Stitch.Overlap), cfg.Stitch.Compose, copts...)

	s.tiler, err = pyramid.New(cfg.Tiles, s.logger)
	if err != nil {
		return nil, fmt.Errorf("capture: tiles: %w", err)
	}
	return s, nil
}

// Store exposes the session index.
func (s *Service) Store() *framestore.Store { return s.store }

// LiveSessions returns the number of open sessions.
func (s *Service) LiveSessions() int { return s.reg.len() }

// Run consumes the completion queue and reaps idle sessions until ctx is
// cancelled. In-flight completions finish before Run returns.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.queue.Run(ctx, s.cfg.Workers, s.handleJob)
	}()
	go func() {
		defer wg.Done()
		s.reapLoop(ctx)
	}()
	wg.Wait()
}

// CreateSession opens a new session and returns its id.
func (s *Service) CreateSession(ctx context.Context, metadata map[string]any) (string, error) {
	id := s.newID()
	sess, err := s.store.CreateSession(ctx, id, metadata)
	if err != nil {
		return "", fmt.Errorf("capture: create session: %w", err)
	}
	ls := &liveSession{
		id:           id,
		metadata:     sess.Metadata,
		frames:       make(map[int]struct{}),
		createdAt:    sess.CreatedAt,
		lastActivity: s.now(),
	}
	if ls.metadata == nil {
		ls.metadata = map[string]any{}
	}
	if !s.reg.put(ls) {
		return "", fmt.Errorf("capture: session id %s already live", id)
	}

	s.event(ctx, observability.SessionEvent{SessionID: id, EventType: observability.EventSessionCreated, Success: true})
	if s.prom != nil {
		s.prom.SessionsCreated.Inc()
		s.prom.LiveSessions.Inc()
	}
	kit.Logger(ctx).Info("capture: session created", "session_id", id)
	return id, nil
}

// AddFrame decodes and stores a frame. Re-sending a frame number replaces
// the stored frame.
func (s *Service) AddFrame(ctx context.Context, sessionID string, up FrameUpload) (*framestore.Frame, error) {
	ls := s.reg.get(sessionID)
	if ls == nil {
		return nil, ErrSessionNotFound
	}
	if up.FrameNumber < 0 {
		return nil, fmt.Errorf("%w: negative frame_number %d", ErrInvalidFrame, up.FrameNumber)
	}
	if len(up.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image data", ErrInvalidFrame)
	}
	if limit := s.cfg.MaxFrameSize(); int64(len(up.Data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds the %s limit", ErrInvalidFrame,
			humanize.IBytes(uint64(len(up.Data))), humanize.IBytes(uint64(limit)))
	}
	img, format, err := raster.DecodeLimited(up.Data, s.cfg.FrameLimits())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	// Completion or eviction may have won while we decoded.
	if s.reg.get(sessionID) != ls {
		return nil, ErrSessionNotFound
	}

	f, err := s.store.PutFrame(ctx, sessionID, framestore.FrameInput{
		FrameNumber:    up.FrameNumber,
		Data:           up.Data,
		Format:         format,
		Width:          img.Width,
		Height:         img.Height,
		ScrollPosition: up.ScrollPosition,
		ViewportHeight: up.ViewportHeight,
		CapturedAt:     up.Timestamp,
	})
	if errors.Is(err, framestore.ErrNotFound) || errors.Is(err, framestore.ErrStateConflict) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("capture: store frame: %w", err)
	}
	ls.frames[up.FrameNumber] = struct{}{}
	ls.lastActivity = s.now()

	s.metric(observability.MetricFramesIngested, 1, "count", "session_id", sessionID)
	s.metric(observability.MetricFrameBytes, float64(len(up.Data)), "bytes", "session_id", sessionID)
	if s.prom != nil {
		s.prom.FramesIngested.Inc()
		s.prom.FrameBytes.Add(float64(len(up.Data)))
	}
	kit.Logger(ctx).Debug("capture: frame stored",
		"session_id", sessionID, "frame_number", up.FrameNumber,
		"size", fmt.Sprintf("%dx%d", img.Width, img.Height), "format", format)
	return f, nil
}

// Info returns a live session's frame count and metadata.
func (s *Service) Info(sessionID string) (SessionInfo, bool) {
	ls := s.reg.get(sessionID)
	if ls == nil {
		return SessionInfo{}, false
	}
	return ls.info(), true
}

// List returns a snapshot of the live sessions, oldest first.
func (s *Service) List() []SessionInfo {
	live := s.reg.snapshot()
	out := make([]SessionInfo, 0, len(live))
	for _, ls := range live {
		out = append(out, ls.info())
	}
	return out
}

// CompleteSession closes a session to new frames and queues its
// composition. The returned Future resolves when the artifacts are written
// or the pipeline fails.
func (s *Service) CompleteSession(ctx context.Context, sessionID string, metadata map[string]any) (*Future, error) {
	ls := s.reg.remove(sessionID)
	if ls == nil {
		return nil, ErrSessionNotFound
	}
	// Wait out an in-flight AddFrame; later ones see the session gone.
	ls.mu.Lock()
	frameCount := len(ls.frames)
	ls.mu.Unlock()
	if s.prom != nil {
		s.prom.LiveSessions.Dec()
	}
	bg := context.WithoutCancel(ctx)

	if frameCount == 0 {
		s.closeFailed(bg, sessionID, "", ErrEmptySession)
		return nil, ErrEmptySession
	}
	if err := s.store.BeginCompletion(ctx, sessionID, metadata); err != nil {
		s.closeFailed(bg, sessionID, "", err)
		return nil, fmt.Errorf("capture: begin completion: %w", err)
	}

	fut := newFuture(sessionID)
	s.mu.Lock()
	s.futures[sessionID] = fut
	s.mu.Unlock()

	payload, _ := json.Marshal(jobPayload{SessionID: sessionID})
	if err := s.queue.Publish(ctx, jobID(sessionID), payload); err != nil {
		s.takeFuture(sessionID)
		s.closeFailed(bg, sessionID, "", err)
		return nil, fmt.Errorf("capture: queue completion: %w", err)
	}
	kit.Logger(ctx).Info("capture: completion queued", "session_id", sessionID, "frames", frameCount)
	return fut, nil
}

// Retile regenerates the pyramid of a closed session from its retained
// composed image, replacing the previous tiles only on success.
func (s *Service) Retile(ctx context.Context, sessionID string) (*pyramid.Manifest, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, framestore.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.State != framestore.StateClosed || sess.ComposedPath == "" {
		return nil, ErrNotRetileable
	}
	if _, err := os.Stat(sess.ComposedPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRetileable, err)
	}
	if _, busy := s.retiling.LoadOrStore(sessionID, struct{}{}); busy {
		return nil, ErrRetileInProgress
	}
	defer s.retiling.Delete(sessionID)

	start := s.now()
	tileErr := func(err error) error {
		return &PipelineError{SessionID: sessionID, Stage: StageTile, ComposedImagePath: sess.ComposedPath, Err: err}
	}
	// The whole composed image is decoded here; completion itself streams.
	img, err := raster.LoadFile(sess.ComposedPath)
	if err != nil {
		return nil, tileErr(err)
	}
	tilesDir := filepath.Join(s.cfg.TilesDir, sessionID)
	tmp := tilesDir + ".retile"
	os.RemoveAll(tmp)
	man, err := s.tiler.GenerateImage(ctx, img, tmp)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, tileErr(err)
	}
	if err := os.RemoveAll(tilesDir); err != nil {
		os.RemoveAll(tmp)
		return nil, tileErr(err)
	}
	if err := os.Rename(tmp, tilesDir); err != nil {
		return nil, tileErr(err)
	}
	if err := s.store.CloseSession(ctx, sessionID, framestore.CloseResult{
		ComposedPath: sess.ComposedPath, TilesPath: tilesDir,
	}); err != nil {
		return nil, err
	}

	s.event(ctx, observability.SessionEvent{SessionID: sessionID, EventType: observability.EventSessionRetiled, Success: true})
	if s.prom != nil {
		s.prom.ObserveStage(StageTile, start)
		s.prom.TilesWritten.Add(float64(man.TileCount()))
	}
	kit.Logger(ctx).Info("capture: session retiled", "session_id", sessionID,
		"levels", len(man.Levels), "tiles", man.TileCount(), "duration", s.now().Sub(start))
	return man, nil
}

// Recover rebuilds the registry from the index after a restart. Open
// sessions come back live with their frames. Completing sessions whose job
// is gone are closed with an error; those still queued complete normally.
func (s *Service) Recover(ctx context.Context) error {
	open, err := s.store.ListSessions(ctx, framestore.StateOpen)
	if err != nil {
		return fmt.Errorf("capture: recover: %w", err)
	}
	for _, sess := range open {
		frames, err := s.store.Frames(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("capture: recover %s: %w", sess.ID, err)
		}
		ls := &liveSession{
			id:           sess.ID,
			metadata:     sess.Metadata,
			frames:       make(map[int]struct{}, len(frames)),
			createdAt:    sess.CreatedAt,
			lastActivity: sess.UpdatedAt,
		}
		if ls.metadata == nil {
			ls.metadata = map[string]any{}
		}
		for _, f := range frames {
			ls.frames[f.FrameNumber] = struct{}{}
		}
		if s.reg.put(ls) && s.prom != nil {
			s.prom.LiveSessions.Inc()
		}
	}

	completing, err := s.store.ListSessions(ctx, framestore.StateCompleting)
	if err != nil {
		return fmt.Errorf("capture: recover: %w", err)
	}
	interrupted := 0
	for _, sess := range completing {
		pending, err := s.queue.Pending(ctx, jobID(sess.ID))
		if err != nil {
			return fmt.Errorf("capture: recover %s: %w", sess.ID, err)
		}
		if !pending {
			s.closeFailed(ctx, sess.ID, "", &PipelineError{SessionID: sess.ID, Stage: StageCompose, Err: errInterrupted})
			interrupted++
		}
	}
	s.logger.Info("capture: recovered", "open", len(open), "completing", len(completing)-interrupted, "interrupted", interrupted)
	return nil
}

type jobPayload struct {
	SessionID string `json:"session_id"`
}

func jobID(sessionID string) string { return "complete_" + sessionID }

// handleJob runs one completion. Pipeline failures are recorded on the
// session rather than retried, so the job is always acked.
func (s *Service) handleJob(ctx context.Context, job *jobqueue.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.SessionID == "" {
		s.logger.Error("capture: unreadable completion job", "job_id", job.ID, "error", err)
		return nil
	}
	logger := s.logger.With("session_id", p.SessionID, "job_id", job.ID)
	ctx = kit.WithLogger(kit.WithSessionID(context.WithoutCancel(ctx), p.SessionID), logger)

	res, err := s.runPipeline(ctx, p.SessionID)
	if fut := s.takeFuture(p.SessionID); fut != nil {
		fut.resolve(res, err)
	}
	return nil
}

// discard closes a session whose completion job was interrupted mid-run.
func (s *Service) discard(ctx context.Context, job *jobqueue.Job) {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.SessionID == "" {
		return
	}
	perr := &PipelineError{SessionID: p.SessionID, Stage: StageCompose, Err: errInterrupted}
	s.closeFailed(context.WithoutCancel(ctx), p.SessionID, "", perr)
	if fut := s.takeFuture(p.SessionID); fut != nil {
		fut.resolve(nil, perr)
	}
}

func (s *Service) runPipeline(ctx context.Context, id string) (*ArtifactResult, error) {
	logger := kit.Logger(ctx)
	start := s.now()

	frames, err := s.store.Frames(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, id, StageCompose, "", err)
	}
	logger.Info("capture: completion started", "frames", len(frames))
	src := framestore.NewSource(frames)

	plan, err := s.composer.Plan(ctx, src)
	if err != nil {
		return nil, s.fail(ctx, id, StageCompose, "", err)
	}
	composedPath := filepath.Join(s.cfg.StitchedDir, id+".png")
	tileSrc, release, err := s.render(ctx, src, plan, composedPath)
	if err != nil {
		os.Remove(composedPath)
		return nil, s.fail(ctx, id, StageCompose, "", err)
	}
	composeDur := s.now().Sub(start)
	s.metric(observability.MetricComposeDurationMs, float64(composeDur.Milliseconds()), "milliseconds", "session_id", id)
	s.metric(observability.MetricCanvasRows, float64(plan.Height), "rows", "session_id", id)
	if plan.Fallbacks > 0 {
		s.metric(observability.MetricMatchingFallbacks, float64(plan.Fallbacks), "count", "session_id", id)
	}
	if s.prom != nil {
		s.prom.ObserveStage(StageCompose, start)
	}

	tileStart := s.now()
	tilesDir := filepath.Join(s.cfg.TilesDir, id)
	man, err := s.tiler.Generate(ctx, tileSrc, tilesDir)
	release()
	if err != nil {
		os.RemoveAll(tilesDir)
		return nil, s.fail(ctx, id, StageTile, composedPath, err)
	}
	s.metric(observability.MetricTileDurationMs, float64(s.now().Sub(tileStart).Milliseconds()), "milliseconds", "session_id", id)
	s.metric(observability.MetricTilesWritten, float64(man.TileCount()), "count", "session_id", id)
	if s.prom != nil {
		s.prom.ObserveStage(StageTile, tileStart)
		s.prom.TilesWritten.Add(float64(man.TileCount()))
	}

	if err := s.store.CloseSession(ctx, id, framestore.CloseResult{ComposedPath: composedPath, TilesPath: tilesDir}); err != nil {
		logger.Error("capture: record completion", "error", err)
	}
	res := &ArtifactResult{
		SessionID:         id,
		ComposedImagePath: composedPath,
		TilesPath:         tilesDir,
		Manifest:          man,
		FrameCount:        len(frames),
		Fallbacks:         plan.Fallbacks,
		DurationMs:        s.now().Sub(start).Milliseconds(),
	}
	details, _ := json.Marshal(map[string]any{"frames": res.FrameCount, "height": plan.Height, "tiles": man.TileCount()})
	s.event(ctx, observability.SessionEvent{SessionID: id, EventType: observability.EventSessionCompleted,
		Details: string(details), Success: true})
	if s.prom != nil {
		s.prom.SessionsFinished.WithLabelValues("completed").Inc()
	}
	logger.Info("capture: completion finished",
		"frames", res.FrameCount, "width", plan.Width, "height", plan.Height,
		"fallbacks", plan.Fallbacks, "duration", s.now().Sub(start))
	return res, nil
}

// render writes the composed PNG and returns a row source over the canvas
// for the tiler. Small canvases stay in memory. Chunked canvases are
// streamed band by band into the PNG and an lz4 spill file that the tiler
// reads back; release deletes the spill.
func (s *Service) render(ctx context.Context, src compose.FrameSource, plan *compose.Plan, path string) (raster.RowSource, func(), error) {
	if !s.composer.Chunked(plan) {
		col := raster.NewCollector(plan.Width, plan.Height)
		if err := s.composer.Render(ctx, src, plan, col); err != nil {
			return nil, nil, err
		}
		img := col.Image()
		if err := raster.SaveFile(path, img, raster.FormatPNG, 0); err != nil {
			return nil, nil, err
		}
		return raster.SourceOf(img), func() {}, nil
	}

	sw, err := raster.CreateSpill(path+".spill", plan.Width)
	if err != nil {
		return nil, nil, err
	}
	err = raster.WriteAtomic(path, func(w io.Writer) error {
		pw, err := raster.NewPNGWriter(w, plan.Width, plan.Height)
		if err != nil {
			return err
		}
		if err := s.composer.Render(ctx, src, plan, raster.MultiSink(pw, sw)); err != nil {
			return err
		}
		return pw.Close()
	})
	if err != nil {
		sw.Abort()
		return nil, nil, err
	}
	sp, err := sw.Finish()
	if err != nil {
		sw.Abort()
		return nil, nil, err
	}
	return sp, func() {
		if err := sp.Remove(); err != nil {
			s.logger.Warn("capture: remove spill", "path", sp.Path(), "error", err)
		}
	}, nil
}

// fail records a pipeline failure on the session and returns it.
func (s *Service) fail(ctx context.Context, id, stage, composedPath string, err error) error {
	perr := &PipelineError{SessionID: id, Stage: stage, ComposedImagePath: composedPath, Err: err}
	s.closeFailed(ctx, id, composedPath, perr)
	return perr
}

func (s *Service) closeFailed(ctx context.Context, id, composedPath string, cause error) {
	if err := s.store.CloseSession(ctx, id, framestore.CloseResult{ComposedPath: composedPath, Error: cause.Error()}); err != nil {
		s.logger.Error("capture: record failure", "session_id", id, "error", err)
	}
	stage := ""
	var perr *PipelineError
	if errors.As(cause, &perr) {
		stage = perr.Stage
	}
	s.event(ctx, observability.SessionEvent{SessionID: id, EventType: observability.EventSessionFailed,
		Stage: stage, Details: cause.Error()})
	if s.prom != nil {
		s.prom.SessionsFinished.WithLabelValues("failed").Inc()
	}
	s.logger.Error("capture: session failed", "session_id", id, "stage", stage, "error", cause)
}

func (s *Service) takeFuture(id string) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	fut := s.futures[id]
	delete(s.futures, id)
	return fut
}

func (s *Service) event(ctx context.Context, ev observability.SessionEvent) {
	if s.events != nil {
		s.events.LogEvent(ctx, ev)
	}
}

func (s *Service) metric(name string, value float64, unit string, kv ...string) {
	if s.metrics != nil {
		s.metrics.RecordSimple(name, value, unit, kv...)
	}
}
