package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Binding maps one page element to one webhook endpoint.
type Binding struct {
	ID               string            `json:"id"`
	OrgID            string            `json:"org_id"`
	PagePath         string            `json:"page_path"`
	ElementSignature string            `json:"element_signature"`
	ElementPath      string            `json:"element_path,omitempty"`
	Label            string            `json:"label,omitempty"`
	NormalizedLabel  string            `json:"normalized_label,omitempty"`
	URL              string            `json:"url"`
	Secret           string            `json:"secret,omitempty"`
	TriggerEvents    []string          `json:"trigger_events"`
	Headers          map[string]string `json:"headers,omitempty"`
	PayloadTemplate  map[string]any    `json:"payload_template,omitempty"`
	ElementContext   string            `json:"element_context,omitempty"` // markdown
	Enabled          bool              `json:"enabled"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
}

const bindingCols = `id, org_id, page_path, element_signature, element_path, label,
	normalized_label, url, secret, trigger_events, headers, payload_template,
	element_context, enabled, created_at, updated_at`

// SaveBinding upserts a binding. The (org, page, signature) triple is
// the natural key: re-saving the same element updates the existing row
// and keeps its id and created_at.
func (s *Store) SaveBinding(ctx context.Context, b *Binding) error {
	events, _ := json.Marshal(b.TriggerEvents)
	headers, _ := json.Marshal(b.Headers)
	tmpl, _ := json.Marshal(b.PayloadTemplate)
	now := time.Now().UnixMilli()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO bindings (`+bindingCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(org_id, page_path, element_signature) DO UPDATE SET
			element_path     = excluded.element_path,
			label            = excluded.label,
			normalized_label = excluded.normalized_label,
			url              = excluded.url,
			secret           = excluded.secret,
			trigger_events   = excluded.trigger_events,
			headers          = excluded.headers,
			payload_template = excluded.payload_template,
			element_context  = excluded.element_context,
			enabled          = excluded.enabled,
			updated_at       = excluded.updated_at`,
		b.ID, b.OrgID, b.PagePath, b.ElementSignature, b.ElementPath, b.Label,
		b.NormalizedLabel, b.URL, b.Secret, string(events), string(headers), string(tmpl),
		b.ElementContext, b.Enabled, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

// GetBinding retrieves a binding by ID. Returns (nil, nil) when absent.
func (s *Store) GetBinding(ctx context.Context, id string) (*Binding, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+bindingCols+` FROM bindings WHERE id = ?`, id)
	return scanBinding(row)
}

// GetBySignature retrieves the binding for one scanned element.
// Returns (nil, nil) when the element has no binding.
func (s *Store) GetBySignature(ctx context.Context, orgID, pagePath, sig string) (*Binding, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+bindingCols+` FROM bindings
		WHERE org_id = ? AND page_path = ? AND element_signature = ?`,
		orgID, pagePath, sig)
	return scanBinding(row)
}

// ListByPage returns the bindings of one page, oldest first. An empty
// pagePath lists the whole org.
func (s *Store) ListByPage(ctx context.Context, orgID, pagePath string, limit int) ([]*Binding, error) {
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if pagePath == "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+bindingCols+` FROM bindings
			WHERE org_id = ? ORDER BY created_at, id LIMIT ?`, orgID, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+bindingCols+` FROM bindings
			WHERE org_id = ? AND page_path = ? ORDER BY created_at, id LIMIT ?`,
			orgID, pagePath, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBindings(rows)
}

// ListByNormalizedLabel returns the bindings on a page whose normalized
// label matches exactly. Several rows can share a label; the resolver
// treats that as ambiguous.
func (s *Store) ListByNormalizedLabel(ctx context.Context, orgID, pagePath, label string) ([]*Binding, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+bindingCols+` FROM bindings
		WHERE org_id = ? AND page_path = ? AND normalized_label = ? AND normalized_label != ''
		ORDER BY created_at, id`, orgID, pagePath, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBindings(rows)
}

// DeleteBinding removes a binding by ID. Reports whether a row existed.
func (s *Store) DeleteBinding(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM bindings WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteBySignature removes the binding of one scanned element.
func (s *Store) DeleteBySignature(ctx context.Context, orgID, pagePath, sig string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM bindings
		WHERE org_id = ? AND page_path = ? AND element_signature = ?`,
		orgID, pagePath, sig)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetEnabled flips a binding on or off.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE bindings SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountBindings returns the number of bindings for an org.
func (s *Store) CountBindings(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bindings WHERE org_id = ?`, orgID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*Binding, error) {
	b := &Binding{}
	var events, headers, tmpl string

	err := row.Scan(
		&b.ID, &b.OrgID, &b.PagePath, &b.ElementSignature, &b.ElementPath, &b.Label,
		&b.NormalizedLabel, &b.URL, &b.Secret, &events, &headers, &tmpl,
		&b.ElementContext, &b.Enabled, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(events), &b.TriggerEvents)
	json.Unmarshal([]byte(headers), &b.Headers)
	json.Unmarshal([]byte(tmpl), &b.PayloadTemplate)
	return b, nil
}

func scanBindings(rows *sql.Rows) ([]*Binding, error) {
	var out []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
