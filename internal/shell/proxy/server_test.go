package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServer(t *testing.T, initialTarget string) *Server {
	t.Helper()
	s, err := NewServer(DefaultConfig(), initialTarget, setupTestLogger())
	require.NoError(t, err)
	return s
}

// backend starts an httptest server that identifies itself in responses.
func backend(t *testing.T, identity string) (*httptest.Server, string) {
	t.Helper()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, identity)
	}))
	t.Cleanup(b.Close)
	return b, strings.TrimPrefix(b.URL, "http://")
}

// =============================================================================
// Swap Tests
// =============================================================================

func TestSwap_InvalidTarget(t *testing.T) {
	s := testServer(t, "")

	assert.Error(t, s.Swap("not-a-hostport"))
	assert.Error(t, s.Swap(""))
	assert.Error(t, s.Swap(":9001"))
}

func TestCurrent_NoUpstream(t *testing.T) {
	s := testServer(t, "")

	_, err := s.Current()
	assert.ErrorIs(t, err, ErrNoUpstream)
}

func TestSwap_UpdatesCurrent(t *testing.T) {
	s := testServer(t, "127.0.0.1:9000")

	target, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", target)

	require.NoError(t, s.Swap("127.0.0.1:9001"))

	target, err = s.Current()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", target)
}

// =============================================================================
// Public Handler Tests
// =============================================================================

func TestPublicHandler_NoUpstreamReturns503(t *testing.T) {
	s := testServer(t, "")

	rec := httptest.NewRecorder()
	s.PublicHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPublicHandler_ProxiesToUpstream(t *testing.T) {
	_, addr := backend(t, "v1")
	s := testServer(t, addr)

	rec := httptest.NewRecorder()
	s.PublicHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/any/path", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", rec.Body.String())
}

// After a swap every subsequent request lands on the new backend - the
// observable form of the "exactly one container holds the public port"
// invariant.
func TestPublicHandler_SwapRedirectsTraffic(t *testing.T) {
	_, blueAddr := backend(t, "blue")
	_, greenAddr := backend(t, "green")
	s := testServer(t, blueAddr)

	h := s.PublicHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "blue", rec.Body.String())

	require.NoError(t, s.Swap(greenAddr))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, "green", rec.Body.String())
	}
}

func TestPublicHandler_Healthz(t *testing.T) {
	s := testServer(t, "")

	rec := httptest.NewRecorder()
	s.PublicHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"serving":false`)
}

// =============================================================================
// Admin API Tests
// =============================================================================

func TestAdminAPI_SwapAndCurrent(t *testing.T) {
	s := testServer(t, "")
	adminSrv := httptest.NewServer(s.AdminHandler())
	defer adminSrv.Close()

	client := NewAdminClient(strings.TrimPrefix(adminSrv.URL, "http://"))
	ctx := context.Background()

	_, err := client.Current(ctx)
	assert.ErrorIs(t, err, ErrNoUpstream)

	require.NoError(t, client.Swap(ctx, "127.0.0.1:9001"))

	target, err := client.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", target)
}

func TestAdminAPI_RejectsBadTarget(t *testing.T) {
	s := testServer(t, "")
	adminSrv := httptest.NewServer(s.AdminHandler())
	defer adminSrv.Close()

	client := NewAdminClient(strings.TrimPrefix(adminSrv.URL, "http://"))

	err := client.Swap(context.Background(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}
