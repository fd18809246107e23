package capture

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scrollstitch/framestore"
	"github.com/hazyhaar/scrollstitch/horosafe"
	"github.com/hazyhaar/scrollstitch/kit"
)

// RegisterMCP registers the capture tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCreateTool(srv)
	s.registerAddFrameTool(srv)
	s.registerCompleteTool(srv)
	s.registerInfoTool(srv)
	s.registerListTool(srv)
	s.registerRetileTool(srv)
}

// register exposes endpoint as a tool, logging every call.
func register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.Logging(tool.Name)(endpoint), decode)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var sessionIDProp = map[string]any{"type": "string", "description": "Capture session id"}

type sessionReq struct {
	SessionID string `json:"session_id"`
}

// decodeSession decodes a request carrying a session id and tags the
// context with it.
func decodeSession[T any](id func(*T) string) func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := kit.DecodeArgs[T](req)
		if err != nil {
			return nil, err
		}
		sid := id(r)
		if sid == "" {
			return nil, errors.New("session_id is required")
		}
		return &kit.MCPDecodeResult{
			Request:   r,
			EnrichCtx: func(ctx context.Context) context.Context { return kit.WithSessionID(ctx, sid) },
		}, nil
	}
}

// --- create ---

type createReq struct {
	Metadata map[string]any `json:"metadata"`
}

func (s *Service) registerCreateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capture_create_session",
		Description: "Open a new scroll capture session and return its id.",
		InputSchema: inputSchema(map[string]any{
			"metadata": map[string]any{"type": "object", "description": "Free-form session metadata (url, title, ...)"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*createReq)
		id, err := s.CreateSession(ctx, r.Metadata)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": id}, nil
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := kit.DecodeArgs[createReq](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: r}, nil
	}
	register(srv, tool, endpoint, decode)
}

// --- add frame ---

type addFrameReq struct {
	SessionID      string    `json:"session_id"`
	FrameNumber    int       `json:"frame_number"`
	ImageBase64    string    `json:"image_base64"`
	ScrollPosition int       `json:"scroll_position"`
	ViewportHeight int       `json:"viewport_height"`
	Timestamp      time.Time `json:"timestamp"`
}

func (s *Service) registerAddFrameTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capture_add_frame",
		Description: "Add one viewport screenshot (png, jpeg or webp, base64) to an open session.",
		InputSchema: inputSchema(map[string]any{
			"session_id":      sessionIDProp,
			"frame_number":    map[string]any{"type": "integer", "minimum": 0, "description": "Position of the frame in scroll order"},
			"image_base64":    map[string]any{"type": "string", "description": "Encoded image, plain base64 or data URL"},
			"scroll_position": map[string]any{"type": "integer"},
			"viewport_height": map[string]any{"type": "integer"},
			"timestamp":       map[string]any{"type": "string", "format": "date-time"},
		}, []string{"session_id", "frame_number", "image_base64"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*addFrameReq)
		data, err := horosafe.DecodeBase64(r.ImageBase64, s.cfg.MaxFrameSize())
		if err != nil {
			return nil, err
		}
		f, err := s.AddFrame(ctx, r.SessionID, FrameUpload{
			FrameNumber:    r.FrameNumber,
			Data:           data,
			ScrollPosition: r.ScrollPosition,
			ViewportHeight: r.ViewportHeight,
			Timestamp:      r.Timestamp,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	register(srv, tool, endpoint, decodeSession(func(r *addFrameReq) string { return r.SessionID }))
}

// --- complete ---

type completeReq struct {
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Service) registerCompleteTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "capture_complete_session",
		Description: "Close a session to new frames, stitch them into one image and build its tile pyramid. " +
			"Returns the artifacts, or state=completing if the pipeline outlives the completion timeout.",
		InputSchema: inputSchema(map[string]any{
			"session_id": sessionIDProp,
			"metadata":   map[string]any{"type": "object", "description": "Metadata merged into the session's"},
		}, []string{"session_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*completeReq)
		fut, err := s.CompleteSession(ctx, r.SessionID, r.Metadata)
		if err != nil {
			return nil, err
		}
		wctx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
		defer cancel()
		res, err := fut.Wait(wctx)
		if err != nil && wctx.Err() != nil && errors.Is(err, wctx.Err()) {
			return map[string]string{"session_id": r.SessionID, "state": framestore.StateCompleting}, nil
		}
		return res, err
	}
	register(srv, tool, endpoint, decodeSession(func(r *completeReq) string { return r.SessionID }))
}

// --- info ---

func (s *Service) registerInfoTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capture_session_info",
		Description: "Frame count and metadata of a live session.",
		InputSchema: inputSchema(map[string]any{"session_id": sessionIDProp}, []string{"session_id"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		info, ok := s.Info(req.(*sessionReq).SessionID)
		if !ok {
			return nil, ErrSessionNotFound
		}
		return info, nil
	}
	register(srv, tool, endpoint, decodeSession(func(r *sessionReq) string { return r.SessionID }))
}

// --- list ---

func (s *Service) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capture_list_sessions",
		Description: "List live capture sessions, oldest first.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"sessions": s.List()}, nil
	}
	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}
	register(srv, tool, endpoint, decode)
}

// --- retile ---

func (s *Service) registerRetileTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capture_retile",
		Description: "Rebuild the tile pyramid of a closed session from its composed image.",
		InputSchema: inputSchema(map[string]any{"session_id": sessionIDProp}, []string{"session_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Retile(ctx, req.(*sessionReq).SessionID)
	}
	register(srv, tool, endpoint, decodeSession(func(r *sessionReq) string { return r.SessionID }))
}
