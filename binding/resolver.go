// Package binding stores webhook bindings and resolves scanned elements
// back to them.
//
// Resolution is two-phase. The primary key is the element signature; a
// page redesign can silently change structural signatures, so a miss
// falls back to the normalized visible label, scoped to the same org and
// page. The fallback only ever matches when it is unambiguous: two
// stored bindings with the same label mean no match, never a guess.
//
// "No binding" is a normal answer, not an error. Infrastructure
// failures surface as *TransportError so callers can tell the two apart.
package binding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vireolabs/hookmark/binding/internal/store"
	"github.com/vireolabs/hookmark/idgen"
	"github.com/vireolabs/hookmark/safeurl"
	"github.com/vireolabs/hookmark/textnorm"
)

var newBindingID = idgen.Prefixed("bnd_", idgen.NanoID(14))

// Resolver owns the binding store and implements lookup, mutation and
// fuzzy resolution.
type Resolver struct {
	store  *store.Store
	cfg    *Config
	logger *slog.Logger
}

// New opens the binding database and returns a Resolver.
func New(cfg *Config, logger *slog.Logger) (*Resolver, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("binding: open store: %w", err)
	}
	return &Resolver{store: s, cfg: cfg, logger: logger}, nil
}

// Close closes the underlying database.
func (r *Resolver) Close() error {
	return r.store.Close()
}

// Save validates and upserts a binding. The normalized label and id are
// filled in here so callers never have to.
func (r *Resolver) Save(ctx context.Context, b *Binding) error {
	if err := r.validate(b); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = newBindingID()
	}
	b.NormalizedLabel = textnorm.Normalize(b.Label)
	if len(b.TriggerEvents) == 0 {
		b.TriggerEvents = []string{"click"}
	}
	if err := r.store.SaveBinding(ctx, b); err != nil {
		return &TransportError{Op: "save", Err: err}
	}
	r.logger.Info("binding: saved",
		"binding_id", b.ID, "org_id", b.OrgID, "page_path", b.PagePath,
		"signature", b.ElementSignature)
	return nil
}

func (r *Resolver) validate(b *Binding) error {
	switch {
	case b.OrgID == "":
		return fmt.Errorf("%w: org_id required", ErrInvalid)
	case b.PagePath == "":
		return fmt.Errorf("%w: page_path required", ErrInvalid)
	case b.ElementSignature == "":
		return fmt.Errorf("%w: element_signature required", ErrInvalid)
	}
	opts := safeurl.Opts{
		AllowPrivate: r.cfg.AllowPrivateURLs,
		AllowHTTP:    !r.cfg.RequireHTTPS,
	}
	if err := safeurl.Validate(b.URL, opts); err != nil {
		return fmt.Errorf("%w: url: %w", ErrInvalid, err)
	}
	if b.Secret != "" {
		if err := safeurl.ValidateSecret([]byte(b.Secret)); err != nil {
			return fmt.Errorf("%w: secret: %w", ErrInvalid, err)
		}
	}
	return nil
}

// Get retrieves a binding by id. Returns (nil, nil) when absent.
func (r *Resolver) Get(ctx context.Context, id string) (*Binding, error) {
	b, err := r.store.GetBinding(ctx, id)
	if err != nil {
		return nil, &TransportError{Op: "get", Err: err}
	}
	return b, nil
}

// Delete removes a binding by id, reporting whether it existed.
func (r *Resolver) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.DeleteBinding(ctx, id)
	if err != nil {
		return false, &TransportError{Op: "delete", Err: err}
	}
	if ok {
		r.logger.Info("binding: deleted", "binding_id", id)
	}
	return ok, nil
}

// Unbind removes the binding attached to one scanned element.
func (r *Resolver) Unbind(ctx context.Context, orgID, pagePath, sig string) (bool, error) {
	ok, err := r.store.DeleteBySignature(ctx, orgID, pagePath, sig)
	if err != nil {
		return false, &TransportError{Op: "unbind", Err: err}
	}
	if ok {
		r.logger.Info("binding: unbound",
			"org_id", orgID, "page_path", pagePath, "signature", sig)
	}
	return ok, nil
}

// List returns the bindings of a page (or of the whole org when
// pagePath is empty), oldest first.
func (r *Resolver) List(ctx context.Context, orgID, pagePath string, limit int) ([]*Binding, error) {
	out, err := r.store.ListByPage(ctx, orgID, pagePath, limit)
	if err != nil {
		return nil, &TransportError{Op: "list", Err: err}
	}
	return out, nil
}

// SetEnabled flips a binding on or off, reporting whether it existed.
func (r *Resolver) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	ok, err := r.store.SetEnabled(ctx, id, enabled)
	if err != nil {
		return false, &TransportError{Op: "set_enabled", Err: err}
	}
	return ok, nil
}

// Count returns the number of bindings stored for an org.
func (r *Resolver) Count(ctx context.Context, orgID string) (int, error) {
	n, err := r.store.CountBindings(ctx, orgID)
	if err != nil {
		return 0, &TransportError{Op: "count", Err: err}
	}
	return n, nil
}

// Resolve finds the binding for a scanned element. Phase one matches
// the signature exactly; phase two falls back to the normalized label
// on the same page. (nil, nil) means no binding is configured.
func (r *Resolver) Resolve(ctx context.Context, ref ElementRef) (*Match, error) {
	b, err := r.store.GetBySignature(ctx, ref.OrgID, ref.PagePath, ref.Signature)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Err: err}
	}
	if b != nil {
		return &Match{Binding: b, Method: MethodSignature}, nil
	}

	norm := textnorm.Normalize(ref.Label)
	if norm == "" {
		return nil, nil
	}

	cands, err := r.store.ListByNormalizedLabel(ctx, ref.OrgID, ref.PagePath, norm)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Err: err}
	}
	switch len(cands) {
	case 1:
		r.logger.Debug("binding: text fallback hit",
			"binding_id", cands[0].ID, "label", norm, "signature", ref.Signature)
		return &Match{Binding: cands[0], Method: MethodText}, nil
	case 0:
	default:
		r.logger.Debug("binding: text fallback ambiguous",
			"label", norm, "candidates", len(cands))
		return nil, nil
	}

	if r.cfg.MaxEditDistance <= 0 {
		return nil, nil
	}
	return r.resolveApprox(ctx, ref, norm)
}

// resolveApprox widens the text fallback to labels within the
// configured edit distance. Still refuses to guess between candidates.
func (r *Resolver) resolveApprox(ctx context.Context, ref ElementRef, norm string) (*Match, error) {
	all, err := r.store.ListByPage(ctx, ref.OrgID, ref.PagePath, 0)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Err: err}
	}
	var hits []*Binding
	for _, c := range all {
		if c.NormalizedLabel == "" {
			continue
		}
		if textnorm.Within(norm, c.NormalizedLabel, r.cfg.MaxEditDistance) {
			hits = append(hits, c)
		}
	}
	if len(hits) == 1 {
		r.logger.Debug("binding: approximate fallback hit",
			"binding_id", hits[0].ID, "label", norm, "stored", hits[0].NormalizedLabel)
		return &Match{Binding: hits[0], Method: MethodText}, nil
	}
	return nil, nil
}
