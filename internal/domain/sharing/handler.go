package sharing

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/domain/records"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/records/shared", h.ListShared, auth.RequireRole(auth.RoleDoctor))

	patientOnly := auth.RequireRole(auth.RolePatient)
	api.GET("/records/:id/grants", h.ListGrants, patientOnly)
	api.POST("/records/:id/grants", h.CreateGrant, patientOnly)
	api.DELETE("/records/:id/grants", h.RevokeGrants, patientOnly)
	api.DELETE("/grants/:id", h.RevokeGrant, patientOnly)
}

func (h *Handler) ListShared(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListVisibleRecords(c.Request().Context(), p, SharedFilter{
		Type:  records.Type(c.QueryParam("type")),
		Query: c.QueryParam("q"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) ListGrants(c echo.Context) error {
	p, id, err := principalAndID(c, "record")
	if err != nil {
		return err
	}
	grants, err := h.svc.ListGrantsForRecord(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	if grants == nil {
		grants = []*Grant{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": grants})
}

// CreateGrant shares a record by doctor id or, when only email is given, by
// the doctor's contact email. Permission defaults to view and expiry to the
// configured grant TTL.
func (h *Handler) CreateGrant(c echo.Context) error {
	p, recordID, err := principalAndID(c, "record")
	if err != nil {
		return err
	}
	var in GrantInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	if in.Permission == "" {
		in.Permission = PermissionView
	}
	expiresAt := h.svc.DefaultExpiry()
	if in.ExpiresAt != nil {
		expiresAt = *in.ExpiresAt
	}

	ctx := c.Request().Context()
	var g *Grant
	switch {
	case in.GranteeID != uuid.Nil:
		g, err = h.svc.CreateGrant(ctx, p, recordID, in.GranteeID, in.Permission, expiresAt)
	case strings.TrimSpace(in.Email) != "":
		g, err = h.svc.GrantByEmail(ctx, p, recordID, in.Email, in.Permission, expiresAt)
	default:
		return apperr.Validation("grantee_id or email is required")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) RevokeGrants(c echo.Context) error {
	p, recordID, err := principalAndID(c, "record")
	if err != nil {
		return err
	}
	n, err := h.svc.RevokeGrants(c.Request().Context(), p, recordID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"revoked": n})
}

func (h *Handler) RevokeGrant(c echo.Context) error {
	p, grantID, err := principalAndID(c, "grant")
	if err != nil {
		return err
	}
	if err := h.svc.RevokeGrant(c.Request().Context(), p, grantID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func principalAndID(c echo.Context, what string) (auth.Principal, uuid.UUID, error) {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return auth.Principal{}, uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return auth.Principal{}, uuid.Nil, apperr.Validation("invalid %s id", what)
	}
	return p, id, nil
}
