// Package section resolves and loads the handler for each part of a visit
// record. Handler selection is decided by category; a handler that cannot
// be loaded is replaced by a placeholder so the rest of the record keeps
// working.
package section

import (
	"context"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/auth"
)

// Kind names a handler implementation.
type Kind string

const (
	KindForm         Kind = "form"
	KindObstetricUSG Kind = "usg_obstetric"
	KindGynUSG       Kind = "usg_gyn"
	KindIdentity     Kind = "identity"
	KindBilling      Kind = "billing"
	KindPlaceholder  Kind = "placeholder"
)

// Field is one input of a rendered section.
type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"`
	Value    any      `json:"value,omitempty"`
}

// Group is a titled set of fields, e.g. one trimester of an obstetric USG.
type Group struct {
	Key    string  `json:"key"`
	Title  string  `json:"title"`
	Active bool    `json:"active,omitempty"`
	Fields []Field `json:"fields"`
}

// View is the render model of one section. Markup is the client's concern.
type View struct {
	Key     record.SectionKey `json:"key"`
	Kind    Kind              `json:"kind"`
	Title   string            `json:"title"`
	Fields  []Field           `json:"fields,omitempty"`
	Groups  []Group           `json:"groups,omitempty"`
	Notice  string            `json:"notice,omitempty"`
	SavedAt *time.Time        `json:"saved_at,omitempty"`
	Version string            `json:"version,omitempty"`
}

// SaveRequest carries one section save to its handler.
type SaveRequest struct {
	MrID      string
	PatientID string
	Category  record.Category
	Key       record.SectionKey
	Data      map[string]any
	Actor     auth.Actor
}

// SaveResult reports what a handler did. Persisted is false for handlers
// that accept a save without storing anything.
type SaveResult struct {
	Persisted bool      `json:"persisted"`
	Message   string    `json:"message,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// Handler is the capability bundle for one section of one category.
type Handler interface {
	Key() record.SectionKey
	Kind() Kind
	Render(st record.State) (View, error)
	Save(ctx context.Context, req SaveRequest) (SaveResult, error)
}

// Loader builds a handler. It may block on the network.
type Loader func(ctx context.Context) (Handler, error)

// Entry is one slot of a category's section list. Load never fails: a
// loader error yields a placeholder.
type Entry struct {
	Key  record.SectionKey
	Load func(ctx context.Context) Handler
}
