package session

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dibya/sundayclinic/internal/domain/editor"
	"github.com/dibya/sundayclinic/internal/domain/history"
	"github.com/dibya/sundayclinic/internal/domain/record"
	"github.com/dibya/sundayclinic/internal/platform/apperr"
	"github.com/dibya/sundayclinic/internal/platform/auth"
	"github.com/dibya/sundayclinic/internal/platform/bus"
)

type Handler struct {
	mgr     *Manager
	history *history.Service
}

func NewHandler(mgr *Manager, hist *history.Service) *Handler {
	return &Handler{mgr: mgr, history: hist}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/sessions", auth.RequireRole(auth.RoleDokter, auth.RoleSuperadmin, auth.RoleBidan, auth.RoleKasir, auth.RoleAdmin))
	g.GET("", h.ListSessions)
	g.POST("", h.OpenSession)
	g.DELETE("/:sid", h.CloseSession)
	g.GET("/:sid/state", h.GetState)
	g.POST("/:sid/reload", h.ReloadSession)

	g.GET("/:sid/sections/:key", h.RenderSection)
	g.PUT("/:sid/sections/:key/draft", h.UpdateDraft)
	g.DELETE("/:sid/sections/:key/draft", h.DiscardDraft)
	g.POST("/:sid/sections/:key/save", h.SaveSection)

	g.GET("/:sid/history", h.ListHistory)
	g.POST("/:sid/history/apply", h.ApplyHistory)
}

// -- Lifecycle --

type openRequest struct {
	MrID string `json:"mr_id"`
}

type stateResponse struct {
	Session          Info                    `json:"session"`
	State            record.State            `json:"state"`
	Draft            *editor.Draft           `json:"draft,omitempty"`
	PendingApprovals []bus.RevisionRequested `json:"pending_approvals,omitempty"`
}

func stateOf(s *Session) stateResponse {
	resp := stateResponse{
		Session: s.Info(),
		State:   s.Store().GetState(),
		Draft:   s.Editor().Draft(),
	}
	if p := s.Prompt(); p != nil {
		resp.PendingApprovals = p.Open()
	}
	return resp
}

func (h *Handler) ListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mgr.List(auth.ActorFromContext(c.Request().Context())))
}

func (h *Handler) OpenSession(c echo.Context) error {
	var req openRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	s, err := h.mgr.Open(ctx, auth.ActorFromContext(ctx), req.MrID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, stateOf(s))
}

func (h *Handler) CloseSession(c echo.Context) error {
	if err := h.mgr.Close(c.Param("sid"), auth.ActorFromContext(c.Request().Context())); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	s, err := h.mgr.Get(c.Param("sid"), auth.ActorFromContext(c.Request().Context()))
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	return s, nil
}

func (h *Handler) GetState(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stateOf(s))
}

func (h *Handler) ReloadSession(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if err := h.mgr.Reload(c.Request().Context(), s); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, stateOf(s))
}

// -- Sections --

func sectionKey(c echo.Context) (record.SectionKey, error) {
	key, err := record.ParseSectionKey(c.Param("key"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "Bagian rekam medis tidak dikenal")
	}
	return key, nil
}

func (h *Handler) RenderSection(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	key, err := sectionKey(c)
	if err != nil {
		return err
	}
	v, err := s.Editor().RenderSection(c.Request().Context(), key)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type draftRequest struct {
	Fields  map[string]any `json:"fields"`
	Forward bool           `json:"forward"`
}

// UpdateDraft merges fields into the draft. With forward set the draft is
// pushed into the record store and the section is marked dirty.
func (h *Handler) UpdateDraft(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	key, err := sectionKey(c)
	if err != nil {
		return err
	}
	var req draftRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.Editor().UpdateDraft(key, req.Fields); err != nil {
		return apperr.HTTPError(err)
	}
	if req.Forward {
		if err := s.Editor().ForwardDraft(); err != nil {
			return apperr.HTTPError(err)
		}
	}
	return c.JSON(http.StatusOK, stateOf(s))
}

func (h *Handler) DiscardDraft(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	s.Editor().DiscardDraft()
	return c.NoContent(http.StatusNoContent)
}

type saveRequest struct {
	Data map[string]any `json:"data"`
}

// SaveSection persists one section. An empty body saves the draft.
func (h *Handler) SaveSection(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	key, err := sectionKey(c)
	if err != nil {
		return err
	}
	var req saveRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	ctx := c.Request().Context()
	out, err := s.Editor().SaveSection(ctx, key, req.Data, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	if out.Skipped {
		return c.JSON(http.StatusAccepted, out)
	}
	return c.JSON(http.StatusOK, out)
}

// -- Copy-forward --

func (h *Handler) ListHistory(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	st := s.Store().GetState()
	if st.Record == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Belum ada rekam medis yang dibuka")
	}
	visits, err := h.history.ListPriorVisits(c.Request().Context(), st.Record.PatientID, st.CurrentMrID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, visits)
}

type applyRequest struct {
	MrID     string         `json:"mr_id"`
	Selected []string       `json:"selected"`
	Values   map[string]any `json:"values,omitempty"`
}

type applyResponse struct {
	Message  string         `json:"message"`
	Anamnesa map[string]any `json:"anamnesa"`
}

// ApplyHistory copies the selected fields of a prior visit into the
// session's anamnesa. Values are fetched from the backend when the client
// did not send them.
func (h *Handler) ApplyHistory(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req applyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	values := req.Values
	if values == nil {
		if req.MrID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "Kunjungan sumber belum dipilih")
		}
		values, err = h.history.FetchCopyableFields(c.Request().Context(), req.MrID)
		if err != nil {
			return apperr.HTTPError(err)
		}
	}
	merged, err := h.history.ApplySelection(s.Store(), req.Selected, values)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, applyResponse{Message: history.CopiedMessage, Anamnesa: merged})
}
