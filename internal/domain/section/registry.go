package section

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
)

// DefaultVersion is the schema version token used until a manifest sets one.
const DefaultVersion = "1"

// SchemaSource fetches section schema descriptors.
type SchemaSource interface {
	SectionSchema(ctx context.Context, category, key, version string, out any) error
}

type cacheKey struct {
	category record.Category
	key      record.SectionKey
	version  string
}

// Registry maps (category, section) to a handler. It is process-wide and
// safe for concurrent use.
type Registry struct {
	schemas SchemaSource
	writer  Writer
	logger  zerolog.Logger
	now     func() time.Time
	limit   int
	group   singleflight.Group

	mu          sync.RWMutex
	version     string
	placeholder map[record.SectionKey]bool
	cache       map[cacheKey]Handler
}

func NewRegistry(schemas SchemaSource, writer Writer, logger zerolog.Logger) *Registry {
	return &Registry{
		schemas:     schemas,
		writer:      writer,
		logger:      logger.With().Str("component", "section_registry").Logger(),
		now:         time.Now,
		limit:       4,
		version:     DefaultVersion,
		placeholder: make(map[record.SectionKey]bool),
		cache:       make(map[cacheKey]Handler),
	}
}

// SetClock replaces the clock handed to handlers. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// SetConcurrency bounds the number of parallel loads in LoadAll.
func (r *Registry) SetConcurrency(n int) {
	if n > 0 {
		r.limit = n
	}
}

// Version returns the current schema version token.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// SetVersion changes the version token. Handlers cached under an older
// token are dropped.
func (r *Registry) SetVersion(v string) {
	if v == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v == r.version {
		return
	}
	r.version = v
	r.cache = make(map[cacheKey]Handler)
	r.logger.Info().Str("version", v).Msg("section schema version changed")
}

// ApplyManifest installs the manifest's version and placeholder list.
func (r *Registry) ApplyManifest(m Manifest) {
	forced := make(map[record.SectionKey]bool, len(m.Placeholder))
	for _, k := range m.Placeholder {
		forced[k] = true
	}
	r.mu.Lock()
	r.placeholder = forced
	r.mu.Unlock()
	r.SetVersion(m.Version)
}

// Resolve returns the ordered section entries for a category. The list is
// never empty and only holds keys legal for the category.
func (r *Registry) Resolve(c record.Category) ([]Entry, error) {
	keys, err := record.VisibleSections(c)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		key := k
		entries = append(entries, Entry{
			Key:  key,
			Load: func(ctx context.Context) Handler { return r.Load(ctx, c, key) },
		})
	}
	return entries, nil
}

// Load returns the handler for one section. It never fails: an illegal key,
// a manifest override or a loader error yields a placeholder.
func (r *Registry) Load(ctx context.Context, c record.Category, key record.SectionKey) Handler {
	if !key.LegalFor(c) {
		r.logger.Warn().Str("category", c.String()).Str("section", string(key)).
			Msg("section not legal for category")
		return NewPlaceholder(key, "illegal section")
	}

	r.mu.RLock()
	forced := r.placeholder[key]
	ck := cacheKey{category: c, key: key, version: r.version}
	h, ok := r.cache[ck]
	r.mu.RUnlock()
	if forced {
		return NewPlaceholder(key, "disabled by manifest")
	}
	if ok {
		return h
	}

	sfKey := fmt.Sprintf("%s/%s@%s", c, key, ck.version)
	v, err, _ := r.group.Do(sfKey, func() (any, error) {
		return r.loaderFor(c, key, ck.version)(ctx)
	})
	if err != nil {
		perr := apperr.PartialLoad("section.load",
			fmt.Sprintf("Bagian %s tidak dapat dimuat", key.Label()), err)
		r.logger.Warn().Err(perr).Str("category", c.String()).Str("section", string(key)).
			Msg("section handler load failed, using placeholder")
		return NewPlaceholder(key, err.Error())
	}
	h = v.(Handler)

	r.mu.Lock()
	if r.version == ck.version {
		r.cache[ck] = h
	}
	r.mu.Unlock()
	return h
}

// LoadAll loads every section of a category concurrently. Handlers come
// back in navigation order.
func (r *Registry) LoadAll(ctx context.Context, c record.Category) ([]Handler, error) {
	entries, err := r.Resolve(c)
	if err != nil {
		return nil, err
	}
	out := make([]Handler, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			out[i] = e.Load(gctx)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (r *Registry) loaderFor(c record.Category, key record.SectionKey, version string) Loader {
	switch key {
	case record.SectionIdentity:
		return func(context.Context) (Handler, error) { return identityHandler{}, nil }
	case record.SectionBilling:
		return func(context.Context) (Handler, error) { return billingHandler{}, nil }
	case record.SectionUSG:
		switch c {
		case record.Obstetric:
			return func(ctx context.Context) (Handler, error) {
				s, err := r.fetchSchema(ctx, c, key, version)
				if err != nil {
					return nil, err
				}
				return newObstetricUSG(s, version, r.writer, r.now), nil
			}
		case record.ReproductiveGyn, record.SpecialGyn:
			return func(ctx context.Context) (Handler, error) {
				s, err := r.fetchSchema(ctx, c, key, version)
				if err != nil {
					return nil, err
				}
				return &gynUSGHandler{schema: s, version: version, writer: r.writer, now: r.now}, nil
			}
		}
		return func(context.Context) (Handler, error) {
			return nil, fmt.Errorf("no usg handler for category %d", int(c))
		}
	}
	return func(ctx context.Context) (Handler, error) {
		s, err := r.fetchSchema(ctx, c, key, version)
		if err != nil {
			return nil, err
		}
		return &formHandler{key: key, schema: s, version: version, writer: r.writer, now: r.now}, nil
	}
}

func (r *Registry) fetchSchema(ctx context.Context, c record.Category, key record.SectionKey, version string) (Schema, error) {
	var s Schema
	if err := r.schemas.SectionSchema(ctx, c.String(), string(key), version, &s); err != nil {
		return Schema{}, fmt.Errorf("fetch schema %s/%s: %w", c, key, err)
	}
	return s, nil
}
