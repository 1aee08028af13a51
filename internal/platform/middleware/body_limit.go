package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
)

// multipartOverhead is the allowance on top of the file size for form
// fields and part headers on upload requests.
const multipartOverhead = 1 << 20

// BodyLimit caps request bodies. JSON endpoints get defaultLimit; multipart
// uploads to POST /api/v1/records get uploadLimit plus room for the other
// form fields, so the upload service can report the precise size error.
//
// Limits are human-readable strings: "1M", "512K", "1G" or a bare byte count.
func BodyLimit(defaultLimit string, uploadLimit int64) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	uploadBytes := uploadLimit + multipartOverhead

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && strings.TrimRight(req.URL.Path, "/") == "/api/v1/records" {
				limit = uploadBytes
			}

			if req.ContentLength > limit {
				return tooLarge(limit)
			}

			// Content-Length may be absent or wrong.
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit, limit: limit}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, tooLarge(r.limit)
	}

	// Read one byte past the limit to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, tooLarge(r.limit)
	}
	return n, err
}

func tooLarge(limit int64) error {
	return apperr.Validation("request body exceeds maximum allowed size of %d bytes", limit).
		WithStatus(http.StatusRequestEntityTooLarge)
}

// parseLimit falls back to 1 MiB when s cannot be parsed.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 1 << 20
	}
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
