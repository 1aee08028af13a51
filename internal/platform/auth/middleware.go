package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RevocationChecker reports whether a token id has been signed out.
type RevocationChecker interface {
	IsRevoked(jti string) bool
}

// Middleware verifies the bearer token on every request not matched by
// skipper and places the resulting Principal on the request context.
func Middleware(issuer *TokenIssuer, revoked RevocationChecker, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			p, err := issuer.Verify(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}
			if revoked != nil && revoked.IsRevoked(p.TokenID) {
				return echo.NewHTTPError(http.StatusUnauthorized, "session has been signed out")
			}

			c.Set("account_id", p.AccountID.String())
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		// Browsers cannot set headers on a websocket upgrade.
		if tok := r.URL.Query().Get("access_token"); tok != "" && isUpgrade(r) {
			return tok, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
