package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/scrollstitch/framestore"
	"github.com/hazyhaar/scrollstitch/horosafe"
	"github.com/hazyhaar/scrollstitch/kit"
)

// maxJSONBody bounds request bodies other than frame uploads.
const maxJSONBody = 1 << 20

type createSessionRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type addFrameRequest struct {
	FrameNumber    *int      `json:"frame_number"`
	ImageBase64    string    `json:"image_base64"`
	ScrollPosition int       `json:"scroll_position"`
	ViewportHeight int       `json:"viewport_height"`
	Timestamp      time.Time `json:"timestamp"`
}

type addFrameResponse struct {
	SessionID   string `json:"session_id"`
	FrameNumber int    `json:"frame_number"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SHA256      string `json:"sha256"`
	FrameCount  int    `json:"frame_count"`
}

// sessionView is GET /v1/sessions/{id}: the live view while the session
// accepts frames, the stored record afterwards.
type sessionView struct {
	Live bool `json:"live"`
	*SessionInfo
	Record *framestore.Session `json:"record,omitempty"`
}

// RegisterHTTP mounts the capture routes on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(httpTransport)
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/frames", s.handleAddFrame)
		r.Post("/{id}/complete", s.handleComplete)
		r.Post("/{id}/retile", s.handleRetile)
	})
	tiles := http.StripPrefix("/tiles/", http.FileServer(http.Dir(s.cfg.TilesDir)))
	r.Get("/tiles/*", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		tiles.ServeHTTP(w, r)
	})
}

func httpTransport(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(kit.WithTransport(r.Context(), "http")))
	})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, maxJSONBody, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.CreateSession(r.Context(), req.Metadata)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.List()})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if info, ok := s.Info(id); ok {
		writeJSON(w, http.StatusOK, sessionView{Live: true, SessionInfo: &info})
		return
	}
	rec, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, framestore.ErrNotFound) || errors.Is(err, horosafe.ErrPathTraversal) {
			err = ErrSessionNotFound
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Record: rec})
}

func (s *Service) handleAddFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := s.cfg.MaxFrameSize()
	// base64 inflates by 4/3; leave room for the JSON envelope.
	var req addFrameRequest
	if err := decodeJSON(r, limit/3*4+maxJSONBody, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.FrameNumber == nil {
		writeError(w, r, http.StatusBadRequest, errors.New("frame_number is required"))
		return
	}
	data, err := horosafe.DecodeBase64(req.ImageBase64, limit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	f, err := s.AddFrame(r.Context(), id, FrameUpload{
		FrameNumber:    *req.FrameNumber,
		Data:           data,
		ScrollPosition: req.ScrollPosition,
		ViewportHeight: req.ViewportHeight,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := addFrameResponse{
		SessionID:   id,
		FrameNumber: f.FrameNumber,
		Width:       f.Width,
		Height:      f.Height,
		SHA256:      f.SHA256,
	}
	if info, ok := s.Info(id); ok {
		resp.FrameCount = info.FrameCount
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var metadata map[string]any
	if err := decodeJSON(r, maxJSONBody, &metadata); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	fut, err := s.CompleteSession(r.Context(), id, metadata)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CompletionTimeout)
	defer cancel()
	res, err := fut.Wait(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		kit.Logger(r.Context()).Info("capture: completion still running", "session_id", id)
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "state": framestore.StateCompleting})
	default:
		s.writeServiceError(w, r, err)
	}
}

func (s *Service) handleRetile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	man, err := s.Retile(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "manifest": man})
}

// statusOf maps a service error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptySession):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidFrame), errors.Is(err, horosafe.ErrTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotRetileable), errors.Is(err, ErrRetileInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Service) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	var perr *PipelineError
	if errors.As(err, &perr) {
		kit.Logger(r.Context()).Error("capture: pipeline failed", "session_id", perr.SessionID, "stage", perr.Stage, "error", perr.Err)
		body := map[string]string{"error": perr.Err.Error(), "stage": perr.Stage, "session_id": perr.SessionID}
		if perr.ComposedImagePath != "" {
			body["composed_image_path"] = perr.ComposedImagePath
		}
		writeJSON(w, status, body)
		return
	}
	writeError(w, r, status, err)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		kit.Logger(r.Context()).Error("capture: request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, limit int64, v any) error {
	body, err := horosafe.LimitedReadAll(r.Body, limit)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
