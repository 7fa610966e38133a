package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// multipartOverhead covers form fields and part headers around the image.
const multipartOverhead = 64 << 10

// BodyLimit caps request bodies at defaultLimit, except multipart POSTs to
// one of uploadPaths, which may carry an image of up to uploadLimit bytes.
func BodyLimit(defaultLimit, uploadLimit int64, uploadPaths ...string) echo.MiddlewareFunc {
	uploads := make(map[string]bool, len(uploadPaths))
	for _, p := range uploadPaths {
		uploads[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultLimit
			if req.Method == http.MethodPost && uploads[req.URL.Path] &&
				strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
				limit = uploadLimit + multipartOverhead
			}

			if req.ContentLength > limit {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

// limitedReadCloser fails reads once more than the limit has been consumed,
// which catches bodies with a missing or understated Content-Length.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}
