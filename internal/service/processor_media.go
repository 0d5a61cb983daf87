package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/capitalize-ai/whatsapp-assistant/internal/cache"
	"github.com/capitalize-ai/whatsapp-assistant/internal/media"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

// mediaFetcher downloads channel media and keeps a copy in object storage.
type mediaFetcher struct {
	transport Transport
	cache     *cache.MediaCache
	storage   ObjectStorage
}

// fetch resolves the media URL through the cache and downloads it. A cached
// URL the channel no longer accepts is dropped and resolved once more.
func (f *mediaFetcher) fetch(ctx context.Context, conn *model.ChannelConnection, mediaID string, mediaType model.MessageType) ([]byte, string, error) {
	for attempt := 0; ; attempt++ {
		url, err := f.cache.GetOrFetch(ctx, mediaID, mediaType, func(ctx context.Context) (string, error) {
			return f.transport.GetMediaURL(ctx, conn, mediaID)
		})
		if err != nil {
			return nil, "", fmt.Errorf("resolving media %s: %w", mediaID, err)
		}

		data, contentType, err := f.transport.DownloadMedia(ctx, conn, url)
		if err == nil {
			return data, contentType, nil
		}
		if attempt == 0 && expiredURL(err) {
			f.cache.Invalidate(mediaID, mediaType)
			continue
		}
		return nil, "", fmt.Errorf("downloading media %s: %w", mediaID, err)
	}
}

func expiredURL(err error) bool {
	var be *model.BackendError
	if !errors.As(err, &be) {
		return false
	}
	switch be.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// keep uploads data under the workspace's media path and returns its public URL.
func (f *mediaFetcher) keep(ctx context.Context, workspaceID, mediaID, mimeType string, mediaType model.MessageType, data []byte) (string, error) {
	path := media.ObjectPath(workspaceID, mediaID, mimeType)
	existed, err := f.storage.Upload(ctx, path, data, media.BaseType(mimeType))
	switch {
	case err != nil:
		metrics.MediaUploadsTotal.WithLabelValues(string(mediaType), "failed").Inc()
		return "", fmt.Errorf("uploading %s: %w", path, err)
	case existed:
		metrics.MediaUploadsTotal.WithLabelValues(string(mediaType), "existing").Inc()
	default:
		metrics.MediaUploadsTotal.WithLabelValues(string(mediaType), "uploaded").Inc()
	}
	return f.storage.PublicURL(path), nil
}
