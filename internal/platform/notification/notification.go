// Package notification is the per-role display inbox. Messages are rendered
// from {{key}} templates and kept in memory, newest first, bounded per role.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Template is a display message with {{key}} placeholders.
type Template struct {
	ID    string `json:"id"`
	Level string `json:"level"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
)

// TemplateEngine renders registered templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine with the billing templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.templates[t.ID] = t
	}
	return e
}

var builtIn = []Template{
	{
		ID:    "billing_confirmed",
		Level: LevelSuccess,
		Title: "Tagihan dikonfirmasi",
		Body:  "Tagihan {{mrId}} untuk {{patient}} telah dikonfirmasi",
	},
	{
		ID:    "billing_paid",
		Level: LevelInfo,
		Title: "Pembayaran diterima",
		Body:  "Tagihan {{mrId}} telah lunas ({{method}})",
	},
	{
		ID:    "revision_requested",
		Level: LevelWarning,
		Title: "Permintaan perubahan tagihan",
		Body:  "{{requestedBy}} mengajukan perubahan tagihan {{mrId}}: {{message}}",
	},
	{
		ID:    "revision_resolved",
		Level: LevelInfo,
		Title: "Permintaan perubahan diputuskan",
		Body:  "Permintaan perubahan tagihan {{mrId}} {{status}} oleh {{resolvedBy}}",
	},
}

func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders. Placeholders without data are left
// as-is.
func (e *TemplateEngine) Render(id string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[id]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", id)
	}
	for k, v := range data {
		ph := "{{" + k + "}}"
		t.Title = strings.ReplaceAll(t.Title, ph, v)
		t.Body = strings.ReplaceAll(t.Body, ph, v)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Inbox
// ---------------------------------------------------------------------------

// Message is one delivered notice.
type Message struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Template  string            `json:"template"`
	Level     string            `json:"level"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ReadAt    *time.Time        `json:"read_at,omitempty"`
}

const (
	// DefaultCapacity bounds each role's inbox.
	DefaultCapacity = 100
	// dedupWindow collapses identical deliveries from sessions of the same
	// role reacting to one event.
	dedupWindow = 5 * time.Second
)

// Inbox stores messages per role.
type Inbox struct {
	templates *TemplateEngine
	capacity  int
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	messages map[string][]*Message
}

func NewInbox(templates *TemplateEngine, logger zerolog.Logger) *Inbox {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Inbox{
		templates: templates,
		capacity:  DefaultCapacity,
		logger:    logger.With().Str("component", "inbox").Logger(),
		now:       time.Now,
		messages:  make(map[string][]*Message),
	}
}

// SetClock replaces the time source. Tests only.
func (in *Inbox) SetClock(now func() time.Time) { in.now = now }

// Deliver renders template with data and appends it to role's inbox. An
// identical message delivered to the same role within a few seconds is
// dropped.
func (in *Inbox) Deliver(_ context.Context, role, template string, data map[string]string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return fmt.Errorf("deliver %s: empty role", template)
	}
	t, err := in.templates.Render(template, data)
	if err != nil {
		return err
	}
	now := in.now().UTC()

	in.mu.Lock()
	defer in.mu.Unlock()
	list := in.messages[role]
	for _, m := range list {
		if now.Sub(m.CreatedAt) > dedupWindow {
			break
		}
		if m.Template == template && m.Body == t.Body {
			return nil
		}
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Template:  template,
		Level:     t.Level,
		Title:     t.Title,
		Body:      t.Body,
		Data:      copyData(data),
		CreatedAt: now,
	}
	list = append([]*Message{msg}, list...)
	if len(list) > in.capacity {
		list = list[:in.capacity]
	}
	in.messages[role] = list
	in.logger.Debug().Str("role", role).Str("template", template).Msg("notice delivered")
	return nil
}

// List returns the messages of every given role, newest first.
func (in *Inbox) List(roles []string, unreadOnly bool, limit int) []Message {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var out []Message
	seen := make(map[string]bool)
	for _, r := range roles {
		r = strings.ToLower(r)
		if seen[r] {
			continue
		}
		seen[r] = true
		for _, m := range in.messages[r] {
			if unreadOnly && m.ReadAt != nil {
				continue
			}
			cp := *m
			cp.Data = copyData(m.Data)
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkRead marks a message of one of roles as read. It reports whether the
// message was found.
func (in *Inbox) MarkRead(roles []string, id string) bool {
	now := in.now().UTC()
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, r := range roles {
		for _, m := range in.messages[strings.ToLower(r)] {
			if m.ID == id {
				if m.ReadAt == nil {
					m.ReadAt = &now
				}
				return true
			}
		}
	}
	return false
}

func copyData(d map[string]string) map[string]string {
	if d == nil {
		return nil
	}
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

type Handler struct {
	inbox *Inbox
}

func NewHandler(inbox *Inbox) *Handler {
	return &Handler{inbox: inbox}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.POST("/notifications/:id/read", h.MarkRead)
}

// List handles GET /notifications?unread=true&limit=20&offset=0 for the
// caller's roles.
func (h *Handler) List(c echo.Context) error {
	roles := auth.RolesFromContext(c.Request().Context())
	if len(roles) == 0 {
		return echo.NewHTTPError(http.StatusForbidden, "Peran pengguna tidak ditemukan")
	}
	unread := c.QueryParam("unread") == "true"
	msgs := h.inbox.List(roles, unread, 0)
	return c.JSON(http.StatusOK, pagination.Page(msgs, pagination.FromContext(c)))
}

func (h *Handler) MarkRead(c echo.Context) error {
	roles := auth.RolesFromContext(c.Request().Context())
	if !h.inbox.MarkRead(roles, c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "Notifikasi tidak ditemukan")
	}
	return c.NoContent(http.StatusNoContent)
}
