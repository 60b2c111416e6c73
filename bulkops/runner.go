package bulkops

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ItemFunc performs the operation's action for one element. A non-nil
// error marks the item failed; the run continues with the next item.
type ItemFunc func(ctx context.Context, item *Item) error

// Run executes an operation front to back. Items are claimed one at a
// time in seq order; before each claim the operation's status is
// re-read, so a Cancel lands between items: the element being worked
// on completes and later elements never start. onProgress, when set,
// fires after every item with the refreshed operation.
//
// Run returns the final operation. A context cancellation behaves like
// Cancel: the run stops and the operation is marked cancelled.
func (q *Queue) Run(ctx context.Context, opID string, fn ItemFunc, onProgress func(*Operation)) (*Operation, error) {
	op, err := q.Get(ctx, opID)
	if err != nil {
		return nil, fmt.Errorf("bulkops: run: %w", err)
	}
	if op == nil {
		return nil, fmt.Errorf("bulkops: run: operation %s not found", opID)
	}
	switch op.Status {
	case StatusPending, StatusRunning:
	default:
		return op, nil
	}

	if err := q.setStatus(ctx, opID, StatusRunning); err != nil {
		return nil, fmt.Errorf("bulkops: run: %w", err)
	}
	q.logger.Info("bulkops: run started", "op_id", opID, "kind", op.Kind, "total", op.Total)

	for {
		if err := ctx.Err(); err != nil {
			q.markCancelled(opID)
			break
		}
		cur, err := q.Get(ctx, opID)
		if err != nil {
			return nil, fmt.Errorf("bulkops: run: %w", err)
		}
		if cur == nil || cur.Status != StatusRunning {
			// Cancelled out from under us between items.
			break
		}

		item, err := q.claimNext(ctx, opID)
		if err != nil {
			return nil, fmt.Errorf("bulkops: run: %w", err)
		}
		if item == nil {
			break // nothing left
		}

		itemErr := fn(ctx, item)
		if err := q.finishItem(ctx, item, itemErr); err != nil {
			return nil, fmt.Errorf("bulkops: run: %w", err)
		}
		if onProgress != nil {
			if cur, err := q.Get(ctx, opID); err == nil && cur != nil {
				onProgress(cur)
			}
		}
	}

	final, err := q.finalize(opID)
	if err != nil {
		return nil, fmt.Errorf("bulkops: run: %w", err)
	}
	q.logger.Info("bulkops: run finished",
		"op_id", opID, "status", final.Status, "done", final.Done, "failed", final.Failed)
	return final, nil
}

// claimNext claims the lowest-seq workable item and marks it running.
// Returns (nil, nil) when no item is claimable. A stale running item
// whose visibility window lapsed is claimable again, so a crashed run
// can be resumed by calling Run a second time.
func (q *Queue) claimNext(ctx context.Context, opID string) (*Item, error) {
	now := time.Now()
	item := &Item{OpID: opID, State: ItemRunning}
	err := q.db.QueryRowContext(ctx, `
		UPDATE bulk_operation_items
		SET state = 'running', visible_at = ?, updated_at = ?
		WHERE op_id = ? AND seq = (
			SELECT seq FROM bulk_operation_items
			WHERE op_id = ? AND state IN ('pending', 'running') AND visible_at <= ?
			ORDER BY seq LIMIT 1
		)
		RETURNING seq, signature, label`,
		now.Add(q.cfg.Visibility).UnixMilli(), now.UnixMilli(),
		opID, opID, now.UnixMilli(),
	).Scan(&item.Seq, &item.Signature, &item.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim item: %w", err)
	}
	return item, nil
}

// finishItem records the item's terminal state and bumps the
// operation's counters in one transaction.
func (q *Queue) finishItem(ctx context.Context, item *Item, itemErr error) error {
	state, detail := ItemOK, ""
	counter := "done"
	if itemErr != nil {
		state, detail = ItemError, itemErr.Error()
		counter = "failed"
		q.logger.Warn("bulkops: item failed",
			"op_id", item.OpID, "seq", item.Seq, "signature", item.Signature, "error", itemErr)
	}
	item.State, item.Detail = state, detail

	now := time.Now().UnixMilli()
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("finish item: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE bulk_operation_items
		SET state = ?, detail = ?, updated_at = ?
		WHERE op_id = ? AND seq = ?`,
		state, detail, now, item.OpID, item.Seq)
	if err != nil {
		return fmt.Errorf("finish item: %w", err)
	}
	_, err = tx.Exec(fmt.Sprintf(`
		UPDATE bulk_operations SET %s = %s + 1, updated_at = ? WHERE id = ?`, counter, counter),
		now, item.OpID)
	if err != nil {
		return fmt.Errorf("finish item: %w", err)
	}
	return tx.Commit()
}

// finalize settles the operation's terminal status: cancelled stays
// cancelled, otherwise completed when every item ran and failed when
// at least one item errored. Deliberately ignores the run context so a
// cancelled context still gets its bookkeeping written.
func (q *Queue) finalize(opID string) (*Operation, error) {
	ctx := context.Background()
	op, err := q.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("operation %s vanished", opID)
	}
	if op.Status == StatusRunning {
		status := StatusCompleted
		if op.Failed > 0 {
			status = StatusFailed
		}
		if err := q.setStatus(ctx, opID, status); err != nil {
			return nil, err
		}
	}
	now := time.Now().UnixMilli()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE bulk_operations SET finished_at = ?, updated_at = ? WHERE id = ?`,
		now, now, opID); err != nil {
		return nil, err
	}
	return q.Get(ctx, opID)
}

func (q *Queue) setStatus(ctx context.Context, opID string, status Status) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE bulk_operations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), opID)
	return err
}

// markCancelled is finalization bookkeeping for a dead run context.
func (q *Queue) markCancelled(opID string) {
	_, err := q.db.Exec(`
		UPDATE bulk_operations
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		time.Now().UnixMilli(), opID)
	if err != nil {
		q.logger.Error("bulkops: mark cancelled", "op_id", opID, "error", err)
	}
}
