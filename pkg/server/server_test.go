package server

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aivorynet/inspector-go/pkg/breakpoint"
	"github.com/aivorynet/inspector-go/pkg/capture"
)

func newTestServer(t *testing.T) (*Server, *breakpoint.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "conversionReport.txt")
	store := breakpoint.NewStore(filepath.Join(dir, "url-breakpoints.json"), zap.NewNop())
	manager := breakpoint.NewManager(zap.NewNop(), breakpoint.WithStore(store))
	s := New(Config{ReportPath: reportPath, LockTimeout: time.Second}, manager, zap.NewNop())
	return s, manager, reportPath
}

func TestConversionReportRecordsRequest(t *testing.T) {
	s, _, reportPath := newTestServer(t)

	req := httptest.NewRequest("POST", "http://example.com/conversionReport?nonce=123", strings.NewReader("foo=bar"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cookieSetInConversionReport=1; Path=/", rec.Header().Get("Set-Cookie"))

	content, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	want := "HTTP_HOST: example.com\n" +
		"REQUEST_URI: /conversionReport\n" +
		"No cookies in attribution request.\n" +
		"Request body:\n" +
		"foo=bar\n"
	assert.Equal(t, want, string(content))
}

func TestConversionReportAcceptsAnyMethod(t *testing.T) {
	s, _, reportPath := newTestServer(t)

	for _, method := range []string{"GET", "PUT"} {
		req := httptest.NewRequest(method, "http://example.com/conversionReport", nil)
		req.Header.Set("Cookie", "session=abc")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, method)
	}

	content, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "Cookies in attribution request: session=abc\n")
	assert.NotContains(t, string(content), "No cookies in attribution request.")
}

func TestConversionReportWriteFailure(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "missing", "conversionReport.txt")
	// A file where the report directory should be makes every write fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "missing"), []byte("x"), 0644))

	s := New(Config{ReportPath: reportPath, LockTimeout: time.Second}, nil, zap.NewNop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "http://example.com/conversionReport", strings.NewReader("x")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
}

func TestConversionReportRejectsOversizedBody(t *testing.T) {
	s, _, reportPath := newTestServer(t)

	body := strings.Repeat("a", capture.MaxReportBodyLen+100)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "http://example.com/conversionReport", strings.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	_, err := os.Stat(reportPath)
	assert.True(t, os.IsNotExist(err))
}

func TestConversionReportRecordsBodyAtLimit(t *testing.T) {
	s, _, reportPath := newTestServer(t)

	body := strings.Repeat("a", capture.MaxReportBodyLen)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "http://example.com/conversionReport", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	content, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(content), "Request body:\n"+body+"\n"))
}

func TestLatestReportReadAndClear(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/conversionReport/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "http://example.com/conversionReport", strings.NewReader("body")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/conversionReport/latest", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasSuffix(rec.Body.String(), "Request body:\nbody\n"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/conversionReport/latest", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/conversionReport/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakpointAPI(t *testing.T) {
	s, manager, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/breakpoints", strings.NewReader(`{"type":"text","url":"http://example.com/api"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/breakpoints", strings.NewReader(`{"type":"text","url":"http://example.com/api"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/breakpoints", strings.NewReader(`{"type":"regex","url":"(["}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/breakpoints", strings.NewReader(`{"type":"glob","url":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	key := url.QueryEscape("text:http://example.com/api")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("PATCH", "/breakpoints?key="+key, strings.NewReader(`{"disabled":true}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, manager.URLBreakpoint("text:http://example.com/api").Disabled())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/breakpoints", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var views []breakpointView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, breakpoint.AllRequestsHandle, views[0].Key)
	assert.True(t, views[0].Special)
	assert.Equal(t, "text:http://example.com/api", views[1].Key)
	assert.True(t, views[1].Disabled)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/breakpoints?key="+key, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, manager.URLBreakpoint("text:http://example.com/api"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/breakpoints?key="+key, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/breakpoints", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestsAreCheckedAgainstBreakpoints(t *testing.T) {
	s, manager, _ := newTestServer(t)
	bp, err := breakpoint.NewURLBreakpoint(breakpoint.TypeText, "/conversionReport")
	require.NoError(t, err)
	require.NoError(t, manager.AddURLBreakpoint(bp))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "http://example.com/conversionReport", strings.NewReader("x")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, manager.HitCount(bp.Key()))
}

func TestBreakpointSelectionCookies(t *testing.T) {
	s, manager, _ := newTestServer(t)
	h := s.Handler()

	bp, err := breakpoint.NewURLBreakpoint(breakpoint.TypeRegularExpression, `/api/.*\.json; v=1`)
	require.NoError(t, err)
	require.NoError(t, manager.AddURLBreakpoint(bp))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/breakpoints/selected", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/breakpoints/select?key="+url.QueryEscape(bp.Key()), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)

	req := httptest.NewRequest("GET", "/breakpoints/selected", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view breakpointView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, bp.Key(), view.Key)

	bp.Remove()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelectAllRequestsBreakpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/breakpoints/select?key="+breakpoint.AllRequestsHandle, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest("GET", "/breakpoints/selected", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view breakpointView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Special)
}

func TestWriteJSONLogsEncodeFailures(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(Config{}, nil, zap.New(core))

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, math.Inf(1))

	entries := logs.FilterMessage("encoding response").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "server", entries[0].LoggerName)
}
