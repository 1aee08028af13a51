package records

import (
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/records/types", h.ListTypes)

	patientOnly := auth.RequireRole(auth.RolePatient)
	api.POST("/records", h.Upload, patientOnly)
	api.GET("/records", h.ListOwned, patientOnly)
	api.DELETE("/records/:id", h.Delete, patientOnly)

	api.GET("/records/:id", h.Get)
	api.GET("/records/:id/download", h.Download)
	api.GET("/records/:id/url", h.PublicURL)
}

func (h *Handler) ListTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": h.svc.Types()})
}

func (h *Handler) Upload(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		// body limit errors surface here on chunked uploads
		if apperr.KindOf(err) != "" {
			return err
		}
		return apperr.Validation("multipart field \"file\" is required")
	}
	shareWith, err := parseShareWith(c)
	if err != nil {
		return err
	}

	f, err := fh.Open()
	if err != nil {
		return apperr.Validation("could not read uploaded file")
	}
	defer f.Close()

	rec, err := h.svc.Upload(c.Request().Context(), p, UploadInput{
		Title:           c.FormValue("title"),
		Type:            Type(c.FormValue("type")),
		FileName:        fh.Filename,
		ContentType:     fh.Header.Get(echo.HeaderContentType),
		Size:            fh.Size,
		Body:            f,
		ShareWith:       shareWith,
		SharePermission: Permission(c.FormValue("share_permission")),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

// parseShareWith accepts share_with[] and share_with, repeated or
// comma-separated.
func parseShareWith(c echo.Context) ([]uuid.UUID, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, apperr.Validation("invalid multipart form")
	}
	var raw []string
	for _, key := range []string{"share_with[]", "share_with"} {
		for _, v := range form.Value[key] {
			raw = append(raw, strings.Split(v, ",")...)
		}
	}
	var ids []uuid.UUID
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, apperr.Validation("share_with: invalid doctor id %q", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *Handler) ListOwned(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	page := pagination.FromContext(c)
	items, total, err := h.svc.ListOwned(c.Request().Context(), p, ListFilter{
		Type:   Type(c.QueryParam("type")),
		Query:  c.QueryParam("q"),
		Params: page,
	})
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, page))
}

func (h *Handler) Get(c echo.Context) error {
	p, id, err := principalAndID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Download(c echo.Context) error {
	p, id, err := principalAndID(c)
	if err != nil {
		return err
	}
	body, rec, err := h.svc.Download(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	defer body.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": rec.OriginalName}))
	c.Response().Header().Set("X-Content-SHA256", rec.ContentHash)
	return c.Stream(http.StatusOK, rec.ContentType, body)
}

func (h *Handler) PublicURL(c echo.Context) error {
	p, id, err := principalAndID(c)
	if err != nil {
		return err
	}
	link, err := h.svc.PublicURL(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, link)
}

func (h *Handler) Delete(c echo.Context) error {
	p, id, err := principalAndID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), p, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func principalAndID(c echo.Context) (auth.Principal, uuid.UUID, error) {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return auth.Principal{}, uuid.Nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return auth.Principal{}, uuid.Nil, apperr.Validation("invalid record id")
	}
	return p, id, nil
}
