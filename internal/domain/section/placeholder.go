package section

import (
	"context"
	"time"

	"github.com/dibya/sundayclinic/internal/domain/record"
)

// UnderDevelopmentNotice is shown for sections without a working handler.
const UnderDevelopmentNotice = "Komponen sedang dalam pengembangan"

// Placeholder stands in for a section whose handler failed to load or is
// switched off. Saving through it succeeds and stores nothing.
type Placeholder struct {
	key    record.SectionKey
	reason string
}

func NewPlaceholder(key record.SectionKey, reason string) *Placeholder {
	return &Placeholder{key: key, reason: reason}
}

func (p *Placeholder) Key() record.SectionKey { return p.key }
func (p *Placeholder) Kind() Kind             { return KindPlaceholder }

// Reason is the load failure or manifest entry that produced the
// placeholder. Not shown to users.
func (p *Placeholder) Reason() string { return p.reason }

func (p *Placeholder) Render(record.State) (View, error) {
	return View{
		Key:    p.key,
		Kind:   KindPlaceholder,
		Title:  p.key.Label(),
		Notice: UnderDevelopmentNotice,
	}, nil
}

func (p *Placeholder) Save(context.Context, SaveRequest) (SaveResult, error) {
	return SaveResult{Persisted: false, Message: UnderDevelopmentNotice, SavedAt: time.Now().UTC()}, nil
}
