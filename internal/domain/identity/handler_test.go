package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_SignUpPatient(t *testing.T) {
	h, _, e := newTestHandler()

	body := `{"email":"pat@example.com","password":"password123","full_name":"Pat Patient"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/signup", body), rec)

	if err := h.SignUpPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var sess Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Token == "" || sess.Identity.Kind != auth.RolePatient {
		t.Errorf("unexpected session %+v", sess)
	}
}

func TestHandler_SignUpPatient_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/signup", `{"email":"pat@example.com"}`), httptest.NewRecorder())

	err := h.SignUpPatient(c)
	if !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_SignUpDoctor(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"email":"ana@clinic.org","password":"password123","full_name":"Dr Ana","specialization":"Cardiology","years_experience":4}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/doctors/signup", body), rec)

	if err := h.SignUpDoctor(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_SignIn(t *testing.T) {
	h, env, e := newTestHandler()
	signUpPatient(t, env, "pat@example.com")

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/signin", `{"email":"pat@example.com","password":"password123"}`), rec)
	if err := h.SignIn(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/signin", `{"email":"pat@example.com","password":"nope-nope"}`), httptest.NewRecorder())
	if err := h.SignIn(c); apperr.HTTPStatus(err) != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestHandler_SignOut(t *testing.T) {
	h, env, e := newTestHandler()
	sess := signUpPatient(t, env, "pat@example.com")
	p, _ := env.tokens.Verify(sess.Token)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signout", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	if err := h.SignOut(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if _, ok := env.revoker.revoked[p.TokenID]; !ok {
		t.Error("expected token to be revoked")
	}
}

func TestHandler_Me(t *testing.T) {
	h, env, e := newTestHandler()
	sess := signUpDoctor(t, env, "ana@clinic.org")
	p, _ := env.tokens.Verify(sess.Token)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	if err := h.Me(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ident Identity
	if err := json.Unmarshal(rec.Body.Bytes(), &ident); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ident.Kind != auth.RoleDoctor || ident.Doctor == nil {
		t.Errorf("unexpected identity %+v", ident)
	}
}

func TestHandler_Me_Unauthenticated(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/me", nil), httptest.NewRecorder())
	if err := h.Me(c); apperr.HTTPStatus(err) != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestHandler_ForgotPassword_AlwaysAccepted(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/password/forgot", `{"email":"ghost@example.com"}`), rec)
	if err := h.ForgotPassword(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "token") {
		t.Error("response must not carry the reset token")
	}
}

func TestHandler_ResetPassword(t *testing.T) {
	h, env, e := newTestHandler()
	signUpPatient(t, env, "pat@example.com")
	token, _ := env.svc.RequestPasswordReset(context.Background(), "pat@example.com")

	rec := httptest.NewRecorder()
	body := `{"token":"` + token + `","password":"brand-new-password"}`
	if err := h.ResetPassword(e.NewContext(jsonRequest(http.MethodPost, "/api/v1/auth/password/reset", body), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_ListDoctors(t *testing.T) {
	h, env, e := newTestHandler()
	signUpDoctor(t, env, "ana@clinic.org")

	rec := httptest.NewRecorder()
	if err := h.ListDoctors(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/doctors", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data []Doctor `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Specialization != "Cardiology" {
		t.Errorf("unexpected doctors %+v", body.Data)
	}
}

func TestHandler_OAuthRedirect(t *testing.T) {
	env := newTestEnv(WithOAuth(&fakeOAuth{}))
	h := NewHandler(env.svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	if err := h.OAuthRedirect(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/auth/oauth/redirect", nil), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusFound {
		t.Errorf("expected 302, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Location"), "https://idp.example.com/authorize?state=") {
		t.Errorf("unexpected Location %q", rec.Header().Get("Location"))
	}
}

func TestHandler_OAuthCallback_ProviderError(t *testing.T) {
	env := newTestEnv(WithOAuth(&fakeOAuth{}))
	h := NewHandler(env.svc)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/auth/oauth/callback?error=access_denied", nil), httptest.NewRecorder())
	if err := h.OAuthCallback(c); apperr.HTTPStatus(err) != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}
