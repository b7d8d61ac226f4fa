package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobmesh/pkg/logx"
)

func okMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/monitor", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{}")) })
	return mux
}

func TestMountToken(t *testing.T) {
	h := Mount(Config{Token: "s3cret"}, okMux(), "/healthz")

	do := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("/healthz", ""))
	assert.Equal(t, http.StatusUnauthorized, do("/monitor", ""))
	assert.Equal(t, http.StatusUnauthorized, do("/monitor", "Bearer nope"))
	assert.Equal(t, http.StatusOK, do("/monitor", "Bearer s3cret"))
	assert.Equal(t, http.StatusOK, do("/monitor?token=s3cret", ""))
	assert.Equal(t, http.StatusUnauthorized, do("/monitor?token=x", "Bearer s3cret"))
}

func TestMountPprof(t *testing.T) {
	h := Mount(Config{Pprof: true}, okMux())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = Mount(Config{}, okMux())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeAndStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, okMux(), logx.Nop())
	s.Start(context.Background())

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, "", s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:80"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":80"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
}
