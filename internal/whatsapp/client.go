// Package whatsapp talks to the WhatsApp Cloud API and parses its webhooks.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

const service = "whatsapp"

// defaultMaxMediaSize bounds downloads; the Cloud API caps media at 100MB for
// documents and far less for images and audio.
const defaultMaxMediaSize = 32 << 20

// ClientConfig configures the Cloud API client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// MaxMediaSize is the largest response body accepted, in bytes.
	MaxMediaSize int64
}

// Client is a WhatsApp Cloud API client. Credentials come from the
// ChannelConnection passed to each call.
type Client struct {
	baseURL string
	// GETs are idempotent and go through the retrying client; POSTs do not.
	retry    *retryablehttp.Client
	http     *http.Client
	maxBytes int64
	log      *logger.Logger
}

// NewClient creates a new Cloud API client.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxMediaSize <= 0 {
		cfg.MaxMediaSize = defaultMaxMediaSize
	}
	log = log.Named("whatsapp")

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = leveledLogger{log.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		retry:    rc,
		http:     &http.Client{Timeout: cfg.Timeout},
		maxBytes: cfg.MaxMediaSize,
		log:      log,
	}
}

type sendTextRequest struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             textBlock `json:"text"`
}

type textBlock struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message and returns the channel message id.
func (c *Client) SendText(ctx context.Context, conn *model.ChannelConnection, to, text string) (string, error) {
	var resp sendResponse
	err := c.post(ctx, conn, "send_text", sendTextRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             textBlock{Body: text},
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

type markReadRequest struct {
	MessagingProduct string `json:"messaging_product"`
	Status           string `json:"status"`
	MessageID        string `json:"message_id"`
}

// MarkAsRead marks an inbound message as read.
func (c *Client) MarkAsRead(ctx context.Context, conn *model.ChannelConnection, messageID string) error {
	return c.post(ctx, conn, "mark_read", markReadRequest{
		MessagingProduct: "whatsapp",
		Status:           "read",
		MessageID:        messageID,
	}, nil)
}

// MediaInfo describes an uploaded media object.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// GetMediaURL resolves a media id to its short-lived download URL.
func (c *Client) GetMediaURL(ctx context.Context, conn *model.ChannelConnection, mediaID string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+mediaID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)

	body, _, err := c.do(req, "get_media_url")
	if err != nil {
		return "", err
	}
	var info MediaInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", &model.BackendError{Service: service, Op: "get_media_url", Kind: model.KindFatal, Err: err}
	}
	if info.URL == "" {
		return "", &model.BackendError{Service: service, Op: "get_media_url", Kind: model.KindFatal,
			Err: fmt.Errorf("media %s has no url", mediaID)}
	}
	return info.URL, nil
}

// DownloadMedia fetches media bytes and the served content type.
func (c *Client) DownloadMedia(ctx context.Context, conn *model.ChannelConnection, url string) ([]byte, string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	return c.do(req, "download_media")
}

func (c *Client) do(req *retryablehttp.Request, op string) ([]byte, string, error) {
	resp, err := c.retry.Do(req)
	if err != nil && resp == nil {
		return nil, "", classify(op, 0, err)
	}
	defer resp.Body.Close()

	body, rerr := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if resp.StatusCode >= 300 {
		return nil, "", classify(op, resp.StatusCode, apiError(body))
	}
	if rerr != nil {
		return nil, "", classify(op, 0, rerr)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, "", &model.BackendError{Service: service, Op: op, Kind: model.KindFatal, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("response exceeds %d bytes", c.maxBytes)}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) post(ctx context.Context, conn *model.ChannelConnection, op string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, conn.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(op, 0, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return classify(op, resp.StatusCode, apiError(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &model.BackendError{Service: service, Op: op, Kind: model.KindFatal, Err: err}
		}
	}
	return nil
}

// graphError is the Graph API error envelope.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func apiError(body []byte) error {
	var ge graphError
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		return fmt.Errorf("%s (code %d): %s", ge.Error.Type, ge.Error.Code, ge.Error.Message)
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return errors.New(strings.TrimSpace(string(body)))
}

func classify(op string, status int, err error) error {
	be := &model.BackendError{Service: service, Op: op, StatusCode: status, Err: err}
	var netErr net.Error
	switch {
	case status != 0:
		be.Kind = model.KindFromStatus(status)
	case errors.Is(err, context.DeadlineExceeded):
		be.Kind = model.KindTimeout
	case errors.Is(err, context.Canceled):
		be.Kind = model.KindFatal
	case errors.As(err, &netErr) && netErr.Timeout():
		be.Kind = model.KindTimeout
	default:
		be.Kind = model.KindNetwork
	}
	return be
}

// leveledLogger adapts zap to retryablehttp's key/value logger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
