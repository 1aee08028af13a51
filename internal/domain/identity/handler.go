package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

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
	api.POST("/auth/signup", h.SignUpPatient)
	api.POST("/auth/doctors/signup", h.SignUpDoctor)
	api.POST("/auth/signin", h.SignIn)
	api.POST("/auth/signout", h.SignOut)
	api.GET("/auth/session", h.Session)
	api.POST("/auth/password/forgot", h.ForgotPassword)
	api.POST("/auth/password/reset", h.ResetPassword)
	api.GET("/auth/oauth/redirect", h.OAuthRedirect)
	api.GET("/auth/oauth/callback", h.OAuthCallback)

	api.GET("/me", h.Me)
	api.GET("/doctors", h.ListDoctors)
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *Handler) SignUpPatient(c echo.Context) error {
	var in SignUpInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	sess, err := h.svc.SignUpPatient(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) SignUpDoctor(c echo.Context) error {
	var in DoctorSignUpInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	sess, err := h.svc.SignUpDoctor(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) SignIn(c echo.Context) error {
	var req signInRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	sess, err := h.svc.SignIn(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) SignOut(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.svc.SignOut(c.Request().Context(), p); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Session(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// ForgotPassword always answers 202 so callers cannot tell which accounts exist.
func (h *Handler) ForgotPassword(c echo.Context) error {
	var req forgotRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if _, err := h.svc.RequestPasswordReset(c.Request().Context(), req.Email); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "if the email is registered, a reset link has been sent",
	})
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var req resetRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := h.svc.ResetPassword(c.Request().Context(), req.Token, req.Password); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) OAuthRedirect(c echo.Context) error {
	url, err := h.svc.OAuthRedirect()
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, url)
}

func (h *Handler) OAuthCallback(c echo.Context) error {
	if e := c.QueryParam("error"); e != "" {
		return apperr.Unauthenticated("oauth provider returned %s", e)
	}
	sess, err := h.svc.OAuthCallback(c.Request().Context(), c.QueryParam("code"), c.QueryParam("state"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Me(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	ident, err := h.svc.Resolve(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ident)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	doctors, err := h.svc.ListActiveDoctors(c.Request().Context())
	if err != nil {
		return err
	}
	if doctors == nil {
		doctors = []*Doctor{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": doctors})
}
