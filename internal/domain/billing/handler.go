package billing

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dibya/sundayclinic/internal/platform/apperr"
	"github.com/dibya/sundayclinic/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every clinic role
	read := api.Group("/billing", auth.RequireRole(auth.RoleDokter, auth.RoleBidan, auth.RoleKasir, auth.RoleAdmin))
	read.GET("/:mrId", h.GetBilling)
	read.GET("/:mrId/revisions", h.ListRevisions)
	read.GET("/:mrId/history", h.ListTransitions)

	// Staff write endpoints
	staff := api.Group("/billing", auth.RequireRole(auth.RoleBidan, auth.RoleKasir, auth.RoleAdmin, auth.RoleDokter))
	staff.POST("/:mrId/mark-paid", h.MarkPaid)
	staff.POST("/:mrId/request-revision", h.RequestRevision)
	staff.POST("/:mrId/items", h.SaveItems)
	staff.DELETE("/:mrId/items/code/:code", h.RemoveItemByCode)
	staff.DELETE("/:mrId/items/id/:id", h.RemoveItemByID)

	// Physician decisions
	doc := api.Group("/billing", auth.RequirePhysician())
	doc.POST("/:mrId/confirm", h.Confirm)
	doc.POST("/revisions/:id/approve", h.ApproveRevision)
	doc.POST("/revisions/:id/reject", h.RejectRevision)
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (h *Handler) GetBilling(c echo.Context) error {
	b, err := h.svc.Get(c.Request().Context(), c.Param("mrId"))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "Billing tidak ditemukan")
		}
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Confirm(c echo.Context) error {
	ctx := c.Request().Context()
	b, msg, err := h.svc.Confirm(ctx, c.Param("mrId"), auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Success: true, Message: msg, Data: b})
}

type markPaidRequest struct {
	PaymentMethod PaymentMethod `json:"payment_method"`
}

func (h *Handler) MarkPaid(c echo.Context) error {
	var req markPaidRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	b, msg, err := h.svc.MarkPaid(ctx, c.Param("mrId"), req.PaymentMethod, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Success: true, Message: msg, Data: b})
}

type revisionRequest struct {
	Message string `json:"message"`
}

func (h *Handler) RequestRevision(c echo.Context) error {
	var req revisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	rev, msg, err := h.svc.RequestRevision(ctx, c.Param("mrId"), req.Message, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, actionResponse{Success: true, Message: msg, Data: rev})
}

func (h *Handler) ListRevisions(c echo.Context) error {
	revs, err := h.svc.ListRevisions(c.Request().Context(), c.Param("mrId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, revs)
}

func (h *Handler) ApproveRevision(c echo.Context) error {
	ctx := c.Request().Context()
	rev, msg, err := h.svc.ApproveRevision(ctx, c.Param("id"), auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Success: true, Message: msg, Data: rev})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectRevision(c echo.Context) error {
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	rev, msg, err := h.svc.RejectRevision(ctx, c.Param("id"), req.Reason, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Success: true, Message: msg, Data: rev})
}

type saveItemsRequest struct {
	Items []Item `json:"items"`
}

func (h *Handler) SaveItems(c echo.Context) error {
	var req saveItemsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	b, msg, err := h.svc.SaveItems(ctx, c.Param("mrId"), req.Items, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Success: true, Message: msg, Data: b})
}

func (h *Handler) RemoveItemByCode(c echo.Context) error {
	return h.removeItem(c, ItemRef{Code: c.Param("code")})
}

func (h *Handler) RemoveItemByID(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	return h.removeItem(c, ItemRef{ID: id})
}

func (h *Handler) removeItem(c echo.Context, ref ItemRef) error {
	ctx := c.Request().Context()
	b, msg, err := h.svc.RemoveItem(ctx, c.Param("mrId"), ref, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, actionResponse{Success: true, Message: msg, Data: b})
}

func (h *Handler) ListTransitions(c echo.Context) error {
	j := h.svc.Journal()
	if j == nil {
		return c.JSON(http.StatusOK, []*Transition{})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := j.ListByMrID(c.Request().Context(), c.Param("mrId"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Riwayat tagihan tidak dapat dimuat")
	}
	if items == nil {
		items = []*Transition{}
	}
	return c.JSON(http.StatusOK, items)
}
