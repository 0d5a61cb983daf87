package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-assistant/internal/nats"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

// ObjectReader reads stored media objects.
type ObjectReader interface {
	Get(ctx context.Context, path string) (*natsclient.Object, error)
}

// MediaHandler serves uploaded media at the public URLs handed to the assistant.
type MediaHandler struct {
	objects ObjectReader
	logger  *logger.Logger
}

// NewMediaHandler creates a new media handler.
func NewMediaHandler(objects ObjectReader, log *logger.Logger) *MediaHandler {
	return &MediaHandler{objects: objects, logger: log.Named("media")}
}

// Serve handles GET /media/*
func (h *MediaHandler) Serve(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || strings.Contains(name, "..") || path.Clean("/"+name) != "/"+name {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	obj, err := h.objects.Get(r.Context(), name)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("failed to read media", zap.String("path", name), zap.Error(err))
		writeError(w, http.StatusBadGateway, "media unavailable")
		return
	}

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	// Object paths are keyed by media id and never rewritten.
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	modTime := obj.ModTime
	if modTime.IsZero() {
		modTime = time.Unix(0, 0)
	}
	http.ServeContent(w, r, path.Base(name), modTime, bytes.NewReader(obj.Data))
}
