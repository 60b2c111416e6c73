// Command hookmark serves the visual webhook configurator: page
// scanning, element selection, binding storage, webhook test fires, and
// bulk operations, over HTTP or as MCP tools on stdio.
//
// Usage:
//
//	hookmark -listen :8086 -data data      # HTTP API
//	hookmark -config hookmark.yaml         # run with a config file
//	hookmark -mcp                          # MCP server on stdio
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/bulkops"
	"github.com/vireolabs/hookmark/dbopen"
	"github.com/vireolabs/hookmark/domtree"
	"github.com/vireolabs/hookmark/engine"
	"github.com/vireolabs/hookmark/eventlog"
	"github.com/vireolabs/hookmark/selection"
	"github.com/vireolabs/hookmark/shield"
	"github.com/vireolabs/hookmark/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to hookmark.yaml")
	listen := flag.String("listen", ":8086", "HTTP listen address")
	dataDir := flag.String("data", "", "data directory for sqlite databases")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	mcpMode := flag.Bool("mcp", false, "serve MCP tools on stdio instead of HTTP")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// Stderr keeps stdout clean for the stdio MCP transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *listen, *dataDir, *mcpMode); err != nil {
		logger.Error("hookmark: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, listen, dataDir string, mcpMode bool) error {
	cfg, err := resolveConfig(configPath, dataDir)
	if err != nil {
		return err
	}

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer eng.Close()

	if mcpMode {
		srv := mcp.NewServer(&mcp.Implementation{Name: "hookmark", Version: "1.0.0"}, nil)
		eng.RegisterMCP(srv)
		logger.Info("hookmark: serving MCP on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	gatewayDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "gateway.db"),
		dbopen.WithMkdirAll(), dbopen.WithSchema(shield.Schema))
	if err != nil {
		return fmt.Errorf("open gateway db: %w", err)
	}
	defer gatewayDB.Close()

	srv := &http.Server{
		Addr:              listen,
		Handler:           newRouter(eng, gatewayDB, ctx.Done()),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("hookmark: serving HTTP", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("hookmark: server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("hookmark: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("hookmark: shutdown", "error", err)
	}
	logger.Info("hookmark: stopped")
	return nil
}

// resolveConfig loads the config file when given and applies flag
// overrides. DataDir must be settled here because the derived database
// paths hang off it.
func resolveConfig(configPath, dataDir string) (*engine.Config, error) {
	cfg := &engine.Config{}
	if configPath != "" {
		loaded, err := engine.LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	return cfg, nil
}

func newRouter(eng *engine.Engine, gatewayDB *sql.DB, done <-chan struct{}) http.Handler {
	r := chi.NewRouter()
	mws, _ := shield.DefaultStack(gatewayDB, done)
	for _, mw := range mws {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req engine.OpenSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		sess, err := eng.OpenSession(r.Context(), req)
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, 201, map[string]any{
			"session_id": sess.ID,
			"page_path":  sess.PagePath,
			"elements":   sess.Elements(),
			"state":      sess.State(),
		})
	})

	r.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			writeJSON(w, 200, map[string]any{
				"session_id": sess.ID,
				"org_id":     sess.OrgID,
				"page_path":  sess.PagePath,
				"elements":   sess.Elements(),
				"state":      sess.State(),
				"stats":      sess.Stats(),
			})
		})

		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			if err := eng.CloseSession(chi.URLParam(r, "id")); err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"closed": true})
		})

		r.Post("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			var req struct {
				HTML   string                  `json:"html"`
				Layout map[string]domtree.Rect `json:"layout,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := sess.ApplySnapshot(req.HTML, req.Layout); err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"applied": true, "stats": sess.Stats()})
		})

		r.Post("/gestures", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			var req struct {
				Type      string         `json:"type"`
				Signature string         `json:"signature,omitempty"`
				Key       *selection.Key `json:"key,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			var (
				st  selection.State
				cmd selection.Command
				err error
			)
			switch req.Type {
			case "hover":
				st, err = sess.Hover(r.Context(), req.Signature)
			case "unhover":
				st = sess.Unhover()
			case "click":
				st, err = sess.Select(r.Context(), req.Signature)
			case "deselect":
				st = sess.Deselect()
			case "key":
				if req.Key == nil {
					writeError(w, 400, fmt.Errorf("gesture %q needs a key", req.Type))
					return
				}
				cmd, st, err = sess.Key(r.Context(), *req.Key)
			default:
				writeError(w, 400, fmt.Errorf("unknown gesture %q", req.Type))
				return
			}
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			resp := map[string]any{"state": st}
			if cmd != selection.CmdNone {
				resp["command"] = cmd
			}
			writeJSON(w, 200, resp)
		})

		r.Post("/select", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			var req struct {
				Signatures []string `json:"signatures,omitempty"`
				All        bool     `json:"all,omitempty"`
				From       string   `json:"from,omitempty"`
				To         string   `json:"to,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			var st selection.State
			switch {
			case req.All:
				st = sess.SelectAll()
			case req.From != "" && req.To != "":
				sess.EnterBulk()
				st = sess.RangeSelect(req.From, req.To)
			default:
				sess.EnterBulk()
				for _, sig := range req.Signatures {
					var err error
					if st, err = sess.Select(r.Context(), sig); err != nil {
						writeError(w, httpStatus(err), err)
						return
					}
				}
				if len(req.Signatures) == 0 {
					st = sess.State()
				}
			}
			writeJSON(w, 200, map[string]any{"state": st})
		})

		r.Get("/resolve", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			// Signatures embed '#', so they travel as query params
			// rather than path segments.
			sig := r.URL.Query().Get("signature")
			if sig == "" {
				writeError(w, 400, fmt.Errorf("missing signature parameter"))
				return
			}
			m, err := sess.ResolveElement(r.Context(), sig, r.URL.Query().Get("label"))
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			if m == nil {
				writeJSON(w, 200, map[string]any{"found": false})
				return
			}
			writeJSON(w, 200, map[string]any{"found": true, "binding": m.Binding, "method": m.Method})
		})

		r.Post("/configure", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			var req struct {
				Signature string `json:"signature"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			st, err := sess.BeginConfigure(r.Context(), req.Signature)
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"state": st})
		})

		r.Put("/configure", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			var draft engine.BindingDraft
			if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
				writeError(w, 400, err)
				return
			}
			b, d, err := sess.CompleteConfigure(r.Context(), draft)
			if err != nil {
				// A saved binding with a failed test fire is still a
				// saved binding.
				if b == nil {
					writeError(w, httpStatus(err), err)
					return
				}
				writeJSON(w, 200, map[string]any{
					"binding":        b,
					"state":          sess.State(),
					"delivery_error": err.Error(),
				})
				return
			}
			resp := map[string]any{"binding": b, "state": sess.State()}
			if d != nil {
				resp["delivery"] = d
			}
			writeJSON(w, 201, resp)
		})

		// POST is the show-groups gesture: detection also notifies the
		// session's event subscribers, so the overlay lights up.
		detectGroups := func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			gs, err := sess.DetectGroups()
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"groups": gs, "count": len(gs)})
		}
		r.Get("/groups", detectGroups)
		r.Post("/groups", detectGroups)

		r.Post("/bulk", func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessionFrom(eng, w, r)
			if !ok {
				return
			}
			var req struct {
				Kind   string `json:"kind"`
				URL    string `json:"url,omitempty"`
				Secret string `json:"secret,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			var draft *engine.BindingDraft
			if req.URL != "" {
				draft = &engine.BindingDraft{URL: req.URL, Secret: req.Secret}
			}
			op, err := sess.StartBulk(r.Context(), bulkops.Kind(req.Kind), draft)
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 202, map[string]any{"operation": op})
		})
	})

	r.Get("/api/bulk/{op}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "op")
		op, err := eng.Bulk().Get(r.Context(), id)
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}
		if op == nil {
			writeError(w, 404, fmt.Errorf("bulk operation %s not found", id))
			return
		}
		items, err := eng.Bulk().Items(r.Context(), id)
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"operation": op, "items": items})
	})

	r.Post("/api/bulk/{op}/cancel", func(w http.ResponseWriter, r *http.Request) {
		cancelled, err := eng.Bulk().Cancel(r.Context(), chi.URLParam(r, "op"))
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"cancelled": cancelled})
	})

	r.Route("/api/orgs/{org}/bindings", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			org := chi.URLParam(r, "org")
			list, err := eng.Resolver().List(r.Context(), org,
				r.URL.Query().Get("page_path"), queryInt(r, "limit", 100))
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"bindings": list, "count": len(list)})
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				binding.Binding
				Enabled *bool `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			b := req.Binding
			b.OrgID = chi.URLParam(r, "org")
			b.Enabled = req.Enabled == nil || *req.Enabled
			if err := eng.Resolver().Save(r.Context(), &b); err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 201, b)
		})

		r.Delete("/{bindingID}", func(w http.ResponseWriter, r *http.Request) {
			org := chi.URLParam(r, "org")
			id := chi.URLParam(r, "bindingID")
			b, err := eng.Resolver().Get(r.Context(), id)
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			if b == nil || b.OrgID != org {
				writeError(w, 404, binding.ErrNotFound)
				return
			}
			removed, err := eng.Resolver().Delete(r.Context(), id)
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"removed": removed})
		})

		r.Post("/{bindingID}/enable", func(w http.ResponseWriter, r *http.Request) {
			org := chi.URLParam(r, "org")
			id := chi.URLParam(r, "bindingID")
			var req struct {
				Enabled bool `json:"enabled"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, 400, err)
				return
			}
			b, err := eng.Resolver().Get(r.Context(), id)
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			if b == nil || b.OrgID != org {
				writeError(w, 404, binding.ErrNotFound)
				return
			}
			updated, err := eng.Resolver().SetEnabled(r.Context(), id, req.Enabled)
			if err != nil {
				writeError(w, httpStatus(err), err)
				return
			}
			writeJSON(w, 200, map[string]any{"updated": updated, "enabled": req.Enabled})
		})
	})

	r.Post("/api/webhooks/test", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
			Signature string `json:"signature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		sess, err := eng.Session(req.SessionID)
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}
		d, err := sess.TestWebhook(r.Context(), req.Signature)
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"delivery": d})
	})

	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		entries, err := eng.Events().Query(r.Context(), &eventlog.Filter{
			OrgID:     q.Get("org_id"),
			SessionID: q.Get("session_id"),
			Source:    q.Get("source"),
			Action:    q.Get("action"),
			Status:    q.Get("status"),
			Limit:     queryInt(r, "limit", 50),
			Offset:    queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, httpStatus(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"events": entries, "count": len(entries)})
	})

	return r
}

func sessionFrom(eng *engine.Engine, w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	sess, err := eng.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return nil, false
	}
	return sess, true
}

// httpStatus maps engine and store errors onto response codes. Detached
// elements are 410: the resource existed and is gone, which is exactly
// what a stale overlay needs to hear.
func httpStatus(err error) int {
	var sendErr *webhook.SendError
	switch {
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, binding.ErrNotFound):
		return 404
	case engine.IsDetached(err):
		return 410
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, binding.ErrInvalid),
		errors.Is(err, engine.ErrNoBulkSelection), errors.Is(err, bulkops.ErrNoTargets):
		return 400
	case errors.Is(err, engine.ErrBulkRunning), errors.Is(err, engine.ErrNotConfiguring):
		return 409
	case binding.IsTransport(err), errors.As(err, &sendErr):
		return 502
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
