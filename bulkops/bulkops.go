// Package bulkops executes one operation across many selected elements.
//
// A bulk operation is durable: the operation and its per-element items
// live in SQLite, so progress survives a restart and an interrupted run
// resumes instead of starting over. Execution is strictly sequential in
// selection order, and cancellation is cooperative: the in-flight
// element finishes, nothing further starts.
package bulkops

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vireolabs/hookmark/dbopen"
	"github.com/vireolabs/hookmark/idgen"
)

// Kind is what a bulk operation does to each element.
type Kind string

const (
	KindBind   Kind = "bind"   // save a binding per element
	KindUnbind Kind = "unbind" // delete the binding of each element
	KindTest   Kind = "test"   // fire a test webhook per element
)

// Status of the operation as a whole.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ItemState of one element's work row.
type ItemState string

const (
	ItemPending ItemState = "pending"
	ItemRunning ItemState = "running"
	ItemOK      ItemState = "ok"
	ItemError   ItemState = "error"
)

// ErrNoTargets rejects an enqueue with an empty selection.
var ErrNoTargets = errors.New("bulkops: no targets")

var newOpID = idgen.Prefixed("blk_", idgen.NanoID(14))

// Operation is one bulk gesture over a selection.
type Operation struct {
	ID         string         `json:"id"`
	OrgID      string         `json:"org_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Kind       Kind           `json:"kind"`
	PagePath   string         `json:"page_path,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Status     Status         `json:"status"`
	Total      int            `json:"total"`
	Done       int            `json:"done"`
	Failed     int            `json:"failed"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
	FinishedAt int64          `json:"finished_at,omitempty"`
}

// Item is one element's work row inside an operation.
type Item struct {
	OpID      string    `json:"op_id"`
	Seq       int       `json:"seq"`
	Signature string    `json:"signature"`
	Label     string    `json:"label,omitempty"`
	State     ItemState `json:"state"`
	Detail    string    `json:"detail,omitempty"`
}

// Target names one element of the selection at enqueue time.
type Target struct {
	Signature string `json:"signature"`
	Label     string `json:"label,omitempty"`
}

// Config tunes the queue.
type Config struct {
	DBPath string `json:"db_path" yaml:"db_path"`

	// Visibility is how long a claimed item stays invisible before a
	// recovering runner may claim it again.
	Visibility time.Duration `json:"visibility" yaml:"visibility"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "bulkops.db"
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
}

// Queue owns the bulk operation tables.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

// Open opens (or creates) the bulk operations database.
func Open(cfg Config, logger *slog.Logger) (*Queue, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("bulkops: open store: %w", err)
	}
	return &Queue{db: db, cfg: cfg, logger: logger}, nil
}

// NewWithDB wraps an existing database handle; the caller has already
// applied the schema. Used by tests and embedded setups.
func NewWithDB(db *sql.DB, cfg Config, logger *slog.Logger) *Queue {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, cfg: cfg, logger: logger}
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue records an operation and its items. Items keep the order of
// targets, which is the selection order and the execution order.
func (q *Queue) Enqueue(ctx context.Context, op *Operation, targets []Target) (*Operation, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	switch op.Kind {
	case KindBind, KindUnbind, KindTest:
	default:
		return nil, fmt.Errorf("bulkops: unknown kind %q", op.Kind)
	}
	if op.ID == "" {
		op.ID = newOpID()
	}
	now := time.Now().UnixMilli()
	op.Status = StatusPending
	op.Total = len(targets)
	op.Done, op.Failed = 0, 0
	op.CreatedAt, op.UpdatedAt = now, now
	params, _ := json.Marshal(op.Params)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bulkops: enqueue: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bulk_operations
			(id, org_id, session_id, kind, page_path, params, status, total, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.OrgID, op.SessionID, op.Kind, op.PagePath, string(params),
		op.Status, op.Total, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("bulkops: enqueue op: %w", err)
	}
	for i, tgt := range targets {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bulk_operation_items (op_id, seq, signature, label)
			VALUES (?,?,?,?)`,
			op.ID, i+1, tgt.Signature, tgt.Label,
		)
		if err != nil {
			return nil, fmt.Errorf("bulkops: enqueue item %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bulkops: enqueue commit: %w", err)
	}

	q.logger.Info("bulkops: enqueued",
		"op_id", op.ID, "kind", op.Kind, "total", op.Total, "org_id", op.OrgID)
	return op, nil
}

// Get retrieves an operation by id. Returns (nil, nil) when absent.
func (q *Queue) Get(ctx context.Context, id string) (*Operation, error) {
	op := &Operation{}
	var params string
	var finished sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT id, org_id, session_id, kind, page_path, params, status,
		       total, done, failed, created_at, updated_at, finished_at
		FROM bulk_operations WHERE id = ?`, id).Scan(
		&op.ID, &op.OrgID, &op.SessionID, &op.Kind, &op.PagePath, &params, &op.Status,
		&op.Total, &op.Done, &op.Failed, &op.CreatedAt, &op.UpdatedAt, &finished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(params), &op.Params)
	op.FinishedAt = finished.Int64
	return op, nil
}

// Items returns an operation's items in execution order.
func (q *Queue) Items(ctx context.Context, opID string) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT op_id, seq, signature, label, state, detail
		FROM bulk_operation_items WHERE op_id = ? ORDER BY seq`, opID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it := &Item{}
		if err := rows.Scan(&it.OpID, &it.Seq, &it.Signature, &it.Label, &it.State, &it.Detail); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Results returns only the items that actually ran to a terminal state.
func (q *Queue) Results(ctx context.Context, opID string) ([]*Item, error) {
	items, err := q.Items(ctx, opID)
	if err != nil {
		return nil, err
	}
	var out []*Item
	for _, it := range items {
		if it.State == ItemOK || it.State == ItemError {
			out = append(out, it)
		}
	}
	return out, nil
}

// Cancel asks a pending or running operation to stop. The in-flight
// item finishes; nothing further starts. Reports whether the operation
// was still cancellable.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE bulk_operations
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("bulkops: cancel requested", "op_id", id)
	}
	return n > 0, nil
}
