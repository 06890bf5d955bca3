package history

import (
	"net/http"

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
	g := api.Group("/history", auth.RequireRole(auth.RoleDokter, auth.RoleSuperadmin, auth.RoleBidan, auth.RoleAdmin))
	g.GET("/:mrId/copyable", h.GetCopyable)
}

type copyableResponse struct {
	MrID   string          `json:"mr_id"`
	Fields []CopyableField `json:"fields"`
}

func (h *Handler) GetCopyable(c echo.Context) error {
	fields, err := h.svc.FetchCopyableFields(c.Request().Context(), c.Param("mrId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, copyableResponse{MrID: c.Param("mrId"), Fields: Preview(fields)})
}
