package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CommandBodyMiddleware prepares a command batch body for decoding. A gzip
// body is inflated first, and the inflated stream is capped at limit bytes,
// so a small compressed batch cannot expand past the limit.
func CommandBodyMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > limit {
				return c.String(http.StatusRequestEntityTooLarge, "command batch too large")
			}
			body := req.Body
			if gzipped(req.Header) {
				zr, err := gzip.NewReader(body)
				if err != nil {
					_ = body.Close()
					return c.String(http.StatusBadRequest, "invalid gzip body")
				}
				body = inflatedBody{zr: zr, raw: req.Body}
				req.ContentLength = -1
				req.Header.Del(echo.HeaderContentEncoding)
				req.Header.Del(echo.HeaderContentLength)
			}
			req.Body = http.MaxBytesReader(c.Response(), body, limit)
			return next(c)
		}
	}
}

// readCommandBody reads a body prepared by CommandBodyMiddleware. It reports
// tooLarge when the batch went over the limit.
func readCommandBody(r io.Reader) (data []byte, tooLarge bool, err error) {
	data, err = io.ReadAll(r)
	var maxErr *http.MaxBytesError
	return data, errors.As(err, &maxErr), err
}

func gzipped(h http.Header) bool {
	for _, v := range h.Values(echo.HeaderContentEncoding) {
		for _, enc := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
				return true
			}
		}
	}
	return false
}

type inflatedBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b inflatedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b inflatedBody) Close() error { return errors.Join(b.zr.Close(), b.raw.Close()) }
