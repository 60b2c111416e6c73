package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vireolabs/hookmark/bulkops"
	"github.com/vireolabs/hookmark/idgen"
	"github.com/vireolabs/hookmark/kit"
)

// RegisterMCP registers the configurator tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerSessionOpenTool(srv)
	e.registerSessionCloseTool(srv)
	e.registerElementsTool(srv)
	e.registerSelectTool(srv)
	e.registerGroupsTool(srv)
	e.registerResolveTool(srv)
	e.registerBindTool(srv)
	e.registerBindingsTool(srv)
	e.registerUnbindTool(srv)
	e.registerWebhookTestTool(srv)
	e.registerBulkStartTool(srv)
	e.registerBulkStatusTool(srv)
	e.registerBulkCancelTool(srv)
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

// sessionScoped marks requests that carry a session id; decodeJSON
// threads it into the context so tool logs can be correlated.
type sessionScoped interface {
	session() string
}

func decodeJSON[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	res := &kit.MCPDecodeResult{Request: &r}
	if s, ok := any(&r).(sessionScoped); ok && s.session() != "" {
		res.EnrichCtx = func(ctx context.Context) context.Context {
			return kit.WithSessionID(ctx, s.session())
		}
	}
	return res, nil
}

// registerTool applies the shared tool middleware before handing the
// endpoint to the transport.
func (e *Engine) registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	mw := kit.Chain(toolTrace(), e.toolLog(tool.Name))
	kit.RegisterMCPTool(srv, tool, mw(endpoint), decode)
}

// toolTrace stamps each call with a request id so failures can be
// correlated across log lines.
func toolTrace() kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			return next(kit.WithRequestID(ctx, idgen.New()), req)
		}
	}
}

func (e *Engine) toolLog(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			resp, err := next(ctx, req)
			if err != nil {
				args := []any{"tool", name, "request_id", kit.GetRequestID(ctx), "error", err}
				if sid := kit.GetSessionID(ctx); sid != "" {
					args = append(args, "session_id", sid)
				}
				e.logger.Debug("engine: mcp tool failed", args...)
			}
			return resp, err
		}
	}
}

// --- session_open ---

type sessionOpenReq struct {
	OrgID    string `json:"org_id"`
	UserID   string `json:"user_id"`
	PagePath string `json:"page_path"`
	HTML     string `json:"html"`
}

func (e *Engine) registerSessionOpenTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_session_open",
		Description: "Open a configurator session over a page snapshot and scan its interactive elements.",
		InputSchema: inputSchema(map[string]any{
			"org_id":    map[string]any{"type": "string", "description": "Owning organization"},
			"user_id":   map[string]any{"type": "string", "description": "Acting user (optional)"},
			"page_path": map[string]any{"type": "string", "description": "Page path, e.g. /briefs"},
			"html":      map[string]any{"type": "string", "description": "Serialized page HTML"},
		}, []string{"org_id", "page_path", "html"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*sessionOpenReq)
		sess, err := e.OpenSession(ctx, OpenSessionRequest{
			OrgID:    r.OrgID,
			UserID:   r.UserID,
			PagePath: r.PagePath,
			HTML:     r.HTML,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"session_id": sess.ID,
			"page_path":  sess.PagePath,
			"elements":   sess.Elements(),
		}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[sessionOpenReq])
}

// --- session_close ---

type sessionRef struct {
	SessionID string `json:"session_id"`
}

func (r *sessionRef) session() string { return r.SessionID }

func (e *Engine) registerSessionCloseTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_session_close",
		Description: "Close a configurator session and release its observers.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*sessionRef)
		if err := e.CloseSession(r.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"closed": true}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[sessionRef])
}

// --- elements ---

func (e *Engine) registerElementsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_elements",
		Description: "List the scanned interactive elements of a session in document order.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*sessionRef)
		sess, err := e.Session(r.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"elements": sess.Elements(), "state": sess.State()}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[sessionRef])
}

// --- select ---

type elementReq struct {
	SessionID string `json:"session_id"`
	Signature string `json:"signature"`
}

func (r *elementReq) session() string { return r.SessionID }

func (e *Engine) registerSelectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_select",
		Description: "Select an element by signature (toggles membership in bulk mode).",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"signature":  map[string]any{"type": "string"},
		}, []string{"session_id", "signature"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*elementReq)
		sess, err := e.Session(r.SessionID)
		if err != nil {
			return nil, err
		}
		st, err := sess.Select(ctx, r.Signature)
		if err != nil {
			return nil, err
		}
		return map[string]any{"state": st}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[elementReq])
}

// --- groups ---

func (e *Engine) registerGroupsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_groups",
		Description: "Detect related element groups (forms, navs, toolbars) in a session's page.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*sessionRef)
		sess, err := e.Session(r.SessionID)
		if err != nil {
			return nil, err
		}
		gs, err := sess.DetectGroups()
		if err != nil {
			return nil, err
		}
		return map[string]any{"groups": gs}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[sessionRef])
}

// --- resolve ---

type resolveReq struct {
	SessionID string `json:"session_id"`
	Signature string `json:"signature"`
	Label     string `json:"label"`
}

func (r *resolveReq) session() string { return r.SessionID }

func (e *Engine) registerResolveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_resolve",
		Description: "Resolve an element to its stored binding by signature, with text fallback. A null match means nothing is bound.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"signature":  map[string]any{"type": "string"},
			"label":      map[string]any{"type": "string", "description": "Visible label for the text fallback (optional)"},
		}, []string{"session_id", "signature"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*resolveReq)
		sess, err := e.Session(r.SessionID)
		if err != nil {
			return nil, err
		}
		match, err := sess.ResolveElement(ctx, r.Signature, r.Label)
		if err != nil {
			return nil, err
		}
		return map[string]any{"match": match}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[resolveReq])
}

// --- bind ---

type bindReq struct {
	SessionID     string            `json:"session_id"`
	Signature     string            `json:"signature"`
	URL           string            `json:"url"`
	Secret        string            `json:"secret"`
	TriggerEvents []string          `json:"trigger_events"`
	Headers       map[string]string `json:"headers"`
	SendTest      bool              `json:"send_test"`
}

func (r *bindReq) session() string { return r.SessionID }

func (e *Engine) registerBindTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_bind",
		Description: "Bind a webhook to an element: select, configure, save, optionally fire a test delivery.",
		InputSchema: inputSchema(map[string]any{
			"session_id":     map[string]any{"type": "string"},
			"signature":      map[string]any{"type": "string"},
			"url":            map[string]any{"type": "string", "description": "Webhook endpoint URL"},
			"secret":         map[string]any{"type": "string", "description": "HMAC signing secret (optional, min 32 chars)"},
			"trigger_events": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"headers":        map[string]any{"type": "object"},
			"send_test":      map[string]any{"type": "boolean"},
		}, []string{"session_id", "signature", "url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*bindReq)
		sess, err := e.Session(r.SessionID)
		if err != nil {
			return nil, err
		}
		if _, err := sess.BeginConfigure(ctx, r.Signature); err != nil {
			return nil, err
		}
		b, d, err := sess.CompleteConfigure(ctx, BindingDraft{
			URL:           r.URL,
			Secret:        r.Secret,
			TriggerEvents: r.TriggerEvents,
			Headers:       r.Headers,
			SendTest:      r.SendTest,
		})
		if err != nil {
			return nil, err
		}
		out := map[string]any{"binding": b}
		if d != nil {
			out["delivery"] = d
		}
		return out, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[bindReq])
}

// --- bindings ---

type bindingsReq struct {
	OrgID    string `json:"org_id"`
	PagePath string `json:"page_path"`
	Limit    int    `json:"limit"`
}

func (e *Engine) registerBindingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_bindings",
		Description: "List stored bindings for an organization, optionally scoped to one page.",
		InputSchema: inputSchema(map[string]any{
			"org_id":    map[string]any{"type": "string"},
			"page_path": map[string]any{"type": "string"},
			"limit":     map[string]any{"type": "integer"},
		}, []string{"org_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*bindingsReq)
		bs, err := e.resolver.List(ctx, r.OrgID, r.PagePath, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"bindings": bs}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[bindingsReq])
}

// --- unbind ---

type unbindReq struct {
	OrgID     string `json:"org_id"`
	PagePath  string `json:"page_path"`
	Signature string `json:"signature"`
}

func (e *Engine) registerUnbindTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_unbind",
		Description: "Delete the binding of one element.",
		InputSchema: inputSchema(map[string]any{
			"org_id":    map[string]any{"type": "string"},
			"page_path": map[string]any{"type": "string"},
			"signature": map[string]any{"type": "string"},
		}, []string{"org_id", "page_path", "signature"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*unbindReq)
		removed, err := e.resolver.Unbind(ctx, r.OrgID, r.PagePath, r.Signature)
		if err != nil {
			return nil, err
		}
		return map[string]any{"removed": removed}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[unbindReq])
}

// --- webhook_test ---

func (e *Engine) registerWebhookTestTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_webhook_test",
		Description: "Fire an element's binding once with a test-flagged payload and report the delivery.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"signature":  map[string]any{"type": "string"},
		}, []string{"session_id", "signature"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*elementReq)
		sess, err := e.Session(r.SessionID)
		if err != nil {
			return nil, err
		}
		d, err := sess.TestWebhook(ctx, r.Signature)
		if err != nil {
			return nil, err
		}
		return map[string]any{"delivery": d}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[elementReq])
}

// --- bulk_start ---

type bulkStartReq struct {
	SessionID  string   `json:"session_id"`
	Kind       string   `json:"kind"`
	Signatures []string `json:"signatures"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
}

func (r *bulkStartReq) session() string { return r.SessionID }

func (e *Engine) registerBulkStartTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_bulk_start",
		Description: "Start a bulk operation (bind, unbind or test) over a set of elements. Without signatures, the whole registry is selected.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"kind":       map[string]any{"type": "string", "enum": []string{"bind", "unbind", "test"}},
			"signatures": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"url":        map[string]any{"type": "string", "description": "Webhook URL for bulk bind"},
			"secret":     map[string]any{"type": "string"},
		}, []string{"session_id", "kind"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*bulkStartReq)
		sess, err := e.Session(r.SessionID)
		if err != nil {
			return nil, err
		}

		if len(r.Signatures) > 0 {
			sess.DeselectAll()
			sess.EnterBulk()
			for _, sig := range r.Signatures {
				if _, err := sess.Select(ctx, sig); err != nil {
					return nil, err
				}
			}
		} else {
			sess.SelectAll()
		}

		var draft *BindingDraft
		if r.URL != "" {
			draft = &BindingDraft{URL: r.URL, Secret: r.Secret}
		}
		op, err := sess.StartBulk(ctx, bulkops.Kind(r.Kind), draft)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operation": op}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[bulkStartReq])
}

// --- bulk_status ---

type bulkRef struct {
	OperationID string `json:"operation_id"`
}

func (e *Engine) registerBulkStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_bulk_status",
		Description: "Report a bulk operation's progress and per-element results.",
		InputSchema: inputSchema(map[string]any{
			"operation_id": map[string]any{"type": "string"},
		}, []string{"operation_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*bulkRef)
		op, err := e.bulk.Get(ctx, r.OperationID)
		if err != nil {
			return nil, err
		}
		if op == nil {
			return nil, fmt.Errorf("bulk operation %s not found", r.OperationID)
		}
		items, err := e.bulk.Items(ctx, r.OperationID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operation": op, "items": items}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[bulkRef])
}

// --- bulk_cancel ---

func (e *Engine) registerBulkCancelTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "hookmark_bulk_cancel",
		Description: "Cancel a pending or running bulk operation; the in-flight element finishes.",
		InputSchema: inputSchema(map[string]any{
			"operation_id": map[string]any{"type": "string"},
		}, []string{"operation_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*bulkRef)
		cancelled, err := e.bulk.Cancel(ctx, r.OperationID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": cancelled}, nil
	}

	e.registerTool(srv, tool, endpoint, decodeJSON[bulkRef])
}
