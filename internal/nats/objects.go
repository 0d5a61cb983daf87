package nats

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

const objectService = "object_store"

// ObjectStoreConfig configures the media bucket.
type ObjectStoreConfig struct {
	Bucket string
	TTL    time.Duration
	// BaseURL is the public prefix objects are served under.
	BaseURL string
}

// ObjectStore keeps uploaded media in a JetStream object store bucket.
type ObjectStore struct {
	store   jetstream.ObjectStore
	baseURL string
}

// NewObjectStore creates or opens the media bucket.
func NewObjectStore(ctx context.Context, client *Client, cfg ObjectStoreConfig) (*ObjectStore, error) {
	store, err := client.JetStream().CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.Bucket,
		Description: "WhatsApp inbound media",
		TTL:         cfg.TTL,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open object store %s: %w", cfg.Bucket, err)
	}
	return &ObjectStore{store: store, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

// Upload stores data under path unless an object already exists there. It
// reports whether the object was already present.
func (o *ObjectStore) Upload(ctx context.Context, path string, data []byte, contentType string) (bool, error) {
	if _, err := o.store.GetInfo(ctx, path); err == nil {
		return true, nil
	} else if !errors.Is(err, jetstream.ErrObjectNotFound) {
		return false, wrapObjectErr("get_info", err)
	}

	meta := jetstream.ObjectMeta{
		Name:    path,
		Headers: nats.Header{"Content-Type": []string{contentType}},
	}
	if _, err := o.store.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return false, wrapObjectErr("put", err)
	}
	return false, nil
}

// List returns the names of objects under prefix.
func (o *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := o.store.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapObjectErr("list", err)
	}
	var names []string
	for _, info := range infos {
		if !info.Deleted && strings.HasPrefix(info.Name, prefix) {
			names = append(names, info.Name)
		}
	}
	return names, nil
}

// PublicURL returns the URL the object is served at.
func (o *ObjectStore) PublicURL(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return o.baseURL + "/" + strings.Join(segments, "/")
}

// Object is a stored media object.
type Object struct {
	Data        []byte
	ContentType string
	ModTime     time.Time
}

// Get reads an object.
func (o *ObjectStore) Get(ctx context.Context, path string) (*Object, error) {
	info, err := o.store.GetInfo(ctx, path)
	if err != nil {
		return nil, wrapObjectErr("get_info", err)
	}
	data, err := o.store.GetBytes(ctx, path)
	if err != nil {
		return nil, wrapObjectErr("get", err)
	}
	obj := &Object{Data: data, ModTime: info.ModTime}
	if info.Headers != nil {
		obj.ContentType = info.Headers.Get("Content-Type")
	}
	return obj, nil
}

func wrapObjectErr(op string, err error) error {
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	kind := model.KindServer
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		kind = model.KindTimeout
	case errors.Is(err, context.Canceled):
		kind = model.KindFatal
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrNoResponders):
		kind = model.KindNetwork
	}
	return &model.BackendError{Service: objectService, Op: op, Kind: kind, Err: err}
}
