// Package eventlog keeps the configurator's activity trail in SQLite.
//
// Writes are fire-and-forget: RecordAsync buffers entries and a
// background goroutine flushes them in batches, so the interactive
// path never blocks on the log. A full buffer falls back to a
// synchronous insert rather than dropping the entry.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vireolabs/hookmark/idgen"
)

// Entry is one recorded action.
type Entry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	OrgID     string    `json:"org_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Source    string    `json:"source"` // emitting subsystem: "session", "binding", "webhook", "bulkops"
	Action    string    `json:"action"` // e.g. "element_selected", "binding_saved", "webhook_tested"
	PagePath  string    `json:"page_path,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Detail    string    `json:"detail,omitempty"` // JSON
	Status    string    `json:"status"`           // "ok" or "error"
	Error     string    `json:"error,omitempty"`
}

// Filter narrows a Query.
type Filter struct {
	OrgID     string
	SessionID string
	Source    string
	Action    string
	Status    string
	Since     *time.Time
	Until     *time.Time
	Limit     int // default 100
	Offset    int
}

// Log persists entries, most of them asynchronously.
type Log struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *Entry
	stop  chan struct{}
	done  chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithIDGenerator overrides the entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Log) { l.newID = gen }
}

// New starts a Log over an existing database. The caller applies
// Schema. Recommended bufferSize: 256.
func New(db *sql.DB, bufferSize int, opts ...Option) *Log {
	l := &Log{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.NanoID(14)),
		ch:    make(chan *Entry, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Record inserts an entry synchronously.
func (l *Log) Record(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// RecordAsync queues an entry for background persistence. Falls back
// to a synchronous insert when the buffer is full.
func (l *Log) RecordAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		slog.Warn("eventlog: buffer full, sync fallback", "source", e.Source, "action", e.Action)
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("eventlog: sync fallback failed", "error", err)
		}
	}
}

// NewEntry builds an Entry from an action and its outcome. detail is
// marshalled to JSON when non-nil.
func (l *Log) NewEntry(source, action string, detail any, err error) *Entry {
	e := &Entry{
		ID:     l.newID(),
		At:     time.Now(),
		Source: source,
		Action: action,
	}
	if detail != nil {
		if b, merr := json.Marshal(detail); merr == nil {
			e.Detail = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.Error = err.Error()
	} else {
		e.Status = "ok"
	}
	return e
}

// Query retrieves entries matching the filter, newest first.
func (l *Log) Query(ctx context.Context, f *Filter) ([]*Entry, error) {
	q := `SELECT id, at, org_id, user_id, session_id, source, action,
		page_path, signature, detail, status, error
		FROM events WHERE 1=1`
	var args []any

	add := func(clause, val string) {
		if val != "" {
			q += " AND " + clause
			args = append(args, val)
		}
	}
	add("org_id = ?", f.OrgID)
	add("session_id = ?", f.SessionID)
	add("source = ?", f.Source)
	add("action = ?", f.Action)
	add("status = ?", f.Status)
	if f.Since != nil {
		q += " AND at >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		q += " AND at <= ?"
		args = append(args, f.Until.UnixMilli())
	}

	q += " ORDER BY at DESC, id DESC"
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		q += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.OrgID, &e.UserID, &e.SessionID,
			&e.Source, &e.Action, &e.PagePath, &e.Signature, &e.Detail,
			&e.Status, &e.Error); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recent returns the latest entries across all sources.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	return l.Query(ctx, &Filter{Limit: limit})
}

// Cleanup deletes entries older than retention.
func (l *Log) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("eventlog: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *Log) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func (l *Log) fillDefaults(e *Entry) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "ok"
		}
	}
	if e.Detail == "" {
		e.Detail = "{}"
	}
}

func (l *Log) insert(ctx context.Context, e *Entry) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO events
		(id, at, org_id, user_id, session_id, source, action,
		 page_path, signature, detail, status, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.OrgID, e.UserID, e.SessionID, e.Source, e.Action,
		e.PagePath, e.Signature, e.Detail, e.Status, e.Error)
	if err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	return nil
}

func (l *Log) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("eventlog: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO events
			(id, at, org_id, user_id, session_id, source, action,
			 page_path, signature, detail, status, error)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			tx.Rollback()
			slog.Error("eventlog: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.At.UnixMilli(), e.OrgID, e.UserID, e.SessionID, e.Source, e.Action,
				e.PagePath, e.Signature, e.Detail, e.Status, e.Error,
			); err != nil {
				slog.Error("eventlog: insert", "error", err, "id", e.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("eventlog: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// DetailJSON marshals kv pairs into a JSON object string, ignoring
// marshal failures. Odd trailing keys are dropped.
func DetailJSON(kv ...any) string {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		m[k] = kv[i+1]
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
