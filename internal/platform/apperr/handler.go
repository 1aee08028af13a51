package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Body is the JSON error envelope returned to clients.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Partial bool   `json:"partial,omitempty"`
}

// HTTPErrorHandler returns an echo.HTTPErrorHandler that logs every error once
// and renders it as a Body. Persistence causes are logged but not echoed to
// the client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := BodyError{Kind: KindPersistence, Message: "internal server error"}

		var appErr *Error
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &appErr):
			status = HTTPStatus(appErr)
			body.Kind = appErr.Kind
			body.Partial = appErr.Partial
			if appErr.Kind == KindPersistence {
				body.Message = appErr.Message
			} else {
				body.Message = appErr.Error()
			}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body.Kind = kindForStatus(status)
			if msg, ok := httpErr.Message.(string); ok {
				body.Message = msg
			} else {
				body.Message = http.StatusText(status)
			}
		}

		rid, _ := c.Get("request_id").(string)
		evt := logger.Warn()
		if status >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.Err(err).
			Str("request_id", rid).
			Str("kind", string(body.Kind)).
			Int("status", status).
			Bool("partial", body.Partial).
			Msg("request failed")

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, Body{Error: body})
	}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindPersistence
	}
}

// StatusOf is the status HTTPErrorHandler will render for err.
func StatusOf(err error) int {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return HTTPStatus(err)
}
