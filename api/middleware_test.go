package api

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// readBack answers with the prepared body, or 413 when it went over the cap.
func readBack(c echo.Context) error {
	body, tooLarge, err := readCommandBody(c.Request().Body)
	if tooLarge {
		return c.NoContent(http.StatusRequestEntityTooLarge)
	}
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, string(body))
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return &buf
}

func runCommandBody(t *testing.T, limit int64, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := CommandBodyMiddleware(limit)(readBack)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestCommandBodyInflatesGzip(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", gzipBytes(t, "hello"))
	req.Header.Set(echo.HeaderContentEncoding, "br, GZIP")

	rec := runCommandBody(t, 64, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "hello" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if req.Header.Get(echo.HeaderContentEncoding) != "" {
		t.Fatalf("content encoding should be cleared")
	}
}

func TestCommandBodyPassesPlainBodies(t *testing.T) {
	rec := runCommandBody(t, 64, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("plain")))
	if rec.Code != http.StatusOK || rec.Body.String() != "plain" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestCommandBodyLimits(t *testing.T) {
	big := strings.Repeat("a", 1000)

	declared := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	if rec := runCommandBody(t, 100, declared); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("declared length: expected 413, got %d", rec.Code)
	}

	inflated := httptest.NewRequest(http.MethodPost, "/", gzipBytes(t, big))
	inflated.Header.Set(echo.HeaderContentEncoding, "gzip")
	if inflated.ContentLength > 100 {
		t.Fatalf("compressed body should fit the limit, got %d bytes", inflated.ContentLength)
	}
	if rec := runCommandBody(t, 100, inflated); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("inflated size: expected 413, got %d", rec.Code)
	}
}

func TestCommandBodyRejectsInvalidGzip(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	if rec := runCommandBody(t, 64, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
