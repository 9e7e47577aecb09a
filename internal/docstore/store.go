// Package docstore defines the key-addressed document store the relationship
// manager persists into, along with memory, PostgreSQL and MongoDB backends.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the addressed document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict indicates a write would violate a unique index.
	ErrConflict = errors.New("document conflict")
	// ErrPermissionDenied indicates the store revoked access for the caller.
	ErrPermissionDenied = errors.New("permission denied")
)

// Kind names a collection of documents.
type Kind string

// Document is a stored record. Fields hold JSON-compatible values; string sets
// are represented as []string or []any depending on the backend.
type Document struct {
	ID        string
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// String returns the string value of field, or "" when absent or not a string.
func (d Document) String(field string) string {
	if d.Fields == nil {
		return ""
	}
	s, _ := d.Fields[field].(string)
	return s
}

// Strings returns the string-set value of field. Non-string members are skipped.
func (d Document) Strings(field string) []string {
	if d.Fields == nil {
		return nil
	}
	return toStrings(d.Fields[field])
}

// Filter is an equality predicate on a top-level string field.
type Filter struct {
	Field string
	Value string
}

// Eq builds an equality filter.
func Eq(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// Matches reports whether the document satisfies every filter.
func (d Document) Matches(filters []Filter) bool {
	for _, f := range filters {
		if d.String(f.Field) != f.Value {
			return false
		}
	}
	return true
}

// Update describes a partial write. Union and Remove operate on string-set
// fields and are idempotent; Upsert creates the document when it is missing.
type Update struct {
	Set    map[string]any
	Union  map[string][]string
	Remove map[string][]string
	Upsert bool
}

// Target selects what a subscription watches: a single document when DocID is
// set, otherwise every document of Kind matching Filters.
type Target struct {
	Kind    Kind
	DocID   string
	Filters []Filter
}

// IsRef reports whether the target addresses a single document.
func (t Target) IsRef() bool {
	return t.DocID != ""
}

// CancelFunc stops a subscription. It is safe to call more than once and after
// the store has already ended the stream.
type CancelFunc func()

// Store is the document-store collaborator used by the relationship manager.
type Store interface {
	Create(ctx context.Context, kind Kind, fields map[string]any) (string, error)
	Get(ctx context.Context, kind Kind, id string) (Document, error)
	Update(ctx context.Context, kind Kind, id string, update Update) error
	Delete(ctx context.Context, kind Kind, id string) error
	Query(ctx context.Context, kind Kind, filters ...Filter) ([]Document, error)
	// Subscribe delivers the current snapshot of target and re-delivers it on
	// every change. onError is invoked at most once and ends the stream. For a
	// document ref the snapshot holds zero or one document.
	Subscribe(ctx context.Context, target Target, onNext func([]Document), onError func(error)) (CancelFunc, error)
}

type principalKey struct{}

// WithPrincipal tags ctx with the identity a subscription is opened on behalf
// of. Backends that enforce access rules use it to scope revocation.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	if ctx == nil || principal == "" {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the identity stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// applyUpdate returns a copy of fields with update applied.
func applyUpdate(fields map[string]any, update Update) map[string]any {
	out := cloneFields(fields)
	for k, v := range update.Set {
		out[k] = cloneValue(v)
	}
	for k, values := range update.Union {
		current := toStrings(out[k])
		seen := make(map[string]struct{}, len(current))
		for _, c := range current {
			seen[c] = struct{}{}
		}
		for _, v := range values {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			current = append(current, v)
		}
		out[k] = current
	}
	for k, values := range update.Remove {
		current, ok := out[k]
		if !ok {
			continue
		}
		drop := make(map[string]struct{}, len(values))
		for _, v := range values {
			drop[v] = struct{}{}
		}
		kept := make([]string, 0)
		for _, c := range toStrings(current) {
			if _, ok := drop[c]; !ok {
				kept = append(kept, c)
			}
		}
		out[k] = kept
	}
	return out
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		out := make([]any, len(t))
		copy(out, t)
		return out
	case map[string]any:
		return cloneFields(t)
	default:
		return v
	}
}
