// Package engine ties the configurator together: it owns sessions,
// wires the scanner and the selection machine per page, and fronts the
// binding store, group detection, webhook dispatch and bulk execution
// behind one API that the HTTP and MCP transports share.
package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/bulkops"
	"github.com/vireolabs/hookmark/dbopen"
	"github.com/vireolabs/hookmark/eventlog"
	"github.com/vireolabs/hookmark/groups"
	"github.com/vireolabs/hookmark/signature"
	"github.com/vireolabs/hookmark/webhook"
)

// Engine is the top-level orchestrator. Create one per process.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	sig      *signature.Engine
	resolver *binding.Resolver
	hooks    *webhook.Dispatcher
	bulk     *bulkops.Queue
	detector *groups.Detector

	eventsDB *sql.DB
	events   *eventlog.Log

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds an Engine from configuration, opening its stores.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	sig, err := signature.New(cfg.Signature)
	if err != nil {
		return nil, fmt.Errorf("engine: signature config: %w", err)
	}
	resolver, err := binding.New(&cfg.Binding, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: open bindings: %w", err)
	}
	bulk, err := bulkops.Open(cfg.Bulk, logger)
	if err != nil {
		resolver.Close()
		return nil, fmt.Errorf("engine: open bulkops: %w", err)
	}
	eventsDB, err := dbopen.Open(cfg.EventsDBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(eventlog.Schema))
	if err != nil {
		bulk.Close()
		resolver.Close()
		return nil, fmt.Errorf("engine: open events: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		sig:      sig,
		resolver: resolver,
		hooks:    webhook.New(cfg.Webhook, logger),
		bulk:     bulk,
		detector: groups.New(cfg.Groups, logger),
		eventsDB: eventsDB,
		events:   eventlog.New(eventsDB, cfg.EventBuffer),
		sessions: make(map[string]*Session),
	}
	logger.Info("engine: ready", "data_dir", cfg.DataDir)
	return e, nil
}

// Close tears down all sessions and closes the stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	open := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, s := range open {
		s.teardown()
	}

	var firstErr error
	for _, closeFn := range []func() error{
		e.events.Close,
		e.eventsDB.Close,
		e.bulk.Close,
		e.resolver.Close,
	} {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Session retrieves an open session by id.
func (e *Engine) Session(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// CloseSession tears down a session and forgets it.
func (e *Engine) CloseSession(id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.teardown()
	s.emit(Event{Type: EventSessionClosed})
	e.events.RecordAsync(&eventlog.Entry{
		OrgID:     s.OrgID,
		UserID:    s.UserID,
		SessionID: s.ID,
		Source:    "session",
		Action:    "session_closed",
		PagePath:  s.PagePath,
	})
	e.logger.Info("engine: session closed", "session_id", id)
	return nil
}

// SessionCount returns the number of open sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Resolver exposes the binding resolver for transports that manage
// bindings outside a session (listing, deletion, enable toggles).
func (e *Engine) Resolver() *binding.Resolver { return e.resolver }

// Bulk exposes the bulk operation queue for status queries.
func (e *Engine) Bulk() *bulkops.Queue { return e.bulk }

// Events exposes the activity log.
func (e *Engine) Events() *eventlog.Log { return e.events }
