package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-assistant/internal/nats"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

type fakeObjects map[string]*natsclient.Object

func (f fakeObjects) Get(_ context.Context, path string) (*natsclient.Object, error) {
	if path == "ws1/broken.jpg" {
		return nil, &model.BackendError{Service: "object_store", Op: "get", Kind: model.KindNetwork, Err: errors.New("down")}
	}
	obj, ok := f[path]
	if !ok {
		return nil, model.ErrNotFound
	}
	return obj, nil
}

func TestMediaServe(t *testing.T) {
	objects := fakeObjects{
		"ws1/media-1.jpg": {Data: []byte("jpeg-bytes"), ContentType: "image/jpeg", ModTime: time.Unix(1700000000, 0)},
	}
	h := NewMediaHandler(objects, logger.NewNop())
	r := chi.NewRouter()
	r.Get("/media/*", h.Serve)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/media/ws1/media-1.jpg")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "jpeg-bytes", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get("/media/ws1/missing.jpg").Code)
	assert.Equal(t, http.StatusBadGateway, get("/media/ws1/broken.jpg").Code)
	assert.Equal(t, http.StatusNotFound, get("/media/").Code)
}

type stubConn bool

func (s stubConn) IsConnected() bool { return bool(s) }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestHealth(t *testing.T) {
	ready := func(h *HealthHandler) int {
		rec := httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, ready(NewHealthHandler(stubConn(true), stubPinger{})))
	assert.Equal(t, http.StatusServiceUnavailable, ready(NewHealthHandler(stubConn(false), stubPinger{})))
	assert.Equal(t, http.StatusServiceUnavailable, ready(NewHealthHandler(stubConn(true), stubPinger{err: errors.New("db down")})))

	rec := httptest.NewRecorder()
	NewHealthHandler(nil, stubPinger{}).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
