package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

const webhookBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550000000", "phone_number_id": "PN1"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "5511999990000"}],
        "messages": [
          {"from": "5511999990000", "id": "wamid.T", "timestamp": "1700000000", "type": "text", "text": {"body": "Hello"}},
          {"from": "5511999990000", "id": "wamid.I", "timestamp": "1700000001", "type": "image",
           "image": {"id": "media-img", "mime_type": "image/jpeg", "sha256": "abc", "caption": "my receipt"}},
          {"from": "5511999990000", "id": "wamid.A", "timestamp": "1700000002", "type": "audio",
           "audio": {"id": "media-aud", "mime_type": "audio/ogg; codecs=opus", "voice": true}},
          {"from": "5511999990000", "id": "wamid.S", "timestamp": "1700000003", "type": "sticker", "sticker": {"id": "x"}}
        ],
        "statuses": [{"id": "wamid.OUT", "status": "delivered", "timestamp": "1700000004", "recipient_id": "5511999990000"}]
      }
    }]
  }]
}`

func TestParseWebhook(t *testing.T) {
	parsed, err := ParseWebhook([]byte(webhookBody))
	require.NoError(t, err)

	require.Len(t, parsed.Deliveries, 3)
	require.Len(t, parsed.Skipped, 1)
	require.Len(t, parsed.Statuses, 1)
	assert.Equal(t, "sticker", parsed.Skipped[0].Type)

	d := parsed.Deliveries[0]
	assert.Equal(t, "PN1", d.PhoneNumberID)
	assert.Equal(t, "Ana", d.ContactName)
	text, ok := d.Message.(*model.TextMessage)
	require.True(t, ok)
	assert.Equal(t, "Hello", text.Body)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), text.Timestamp)

	img, ok := parsed.Deliveries[1].Message.(*model.ImageMessage)
	require.True(t, ok)
	assert.Equal(t, "media-img", img.MediaID)
	assert.Equal(t, "my receipt", img.Caption)
	assert.Equal(t, []string{"media-img"}, img.MediaIDs())

	aud, ok := parsed.Deliveries[2].Message.(*model.AudioMessage)
	require.True(t, ok)
	assert.True(t, aud.Voice)
	assert.Equal(t, "audio/ogg; codecs=opus", aud.MimeType)
}

func TestParseWebhookInvalid(t *testing.T) {
	_, err := ParseWebhook([]byte("{not json"))
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("secret", body)

	assert.NoError(t, VerifySignature("secret", body, sig))
	assert.ErrorIs(t, VerifySignature("other", body, sig), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("secret", body, ""), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature("secret", body, "sha1=abc"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("secret", body, "sha256=zz"), ErrBadSignature)
}

func testClient(t *testing.T, h http.HandlerFunc) (*Client, *model.ChannelConnection) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxRetries: 2}, logger.NewNop())
	c.retry.RetryWaitMin = time.Millisecond
	c.retry.RetryWaitMax = 5 * time.Millisecond
	return c, &model.ChannelConnection{PhoneNumberID: "PN1", AccessToken: "tok"}
}

func TestSendText(t *testing.T) {
	c, conn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/PN1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req sendTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "5511", req.To)
		assert.Equal(t, "hi there", req.Text.Body)
		w.Write([]byte(`{"messages":[{"id":"wamid.OUT1"}]}`))
	})

	id, err := c.SendText(context.Background(), conn, "5511", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "wamid.OUT1", id)
}

func TestSendTextErrorKinds(t *testing.T) {
	var calls atomic.Int32
	c, conn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"too many","type":"OAuthException","code":130429}}`))
	})

	_, err := c.SendText(context.Background(), conn, "5511", "x")
	require.Error(t, err)
	assert.Equal(t, model.KindRateLimited, model.KindOf(err))
	assert.Contains(t, err.Error(), "too many")
	assert.EqualValues(t, 1, calls.Load(), "sends are never retried")
}

func TestMediaURLAndDownloadRetry(t *testing.T) {
	var downloads atomic.Int32
	var srvURL string
	c, conn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media-1":
			json.NewEncoder(w).Encode(MediaInfo{ID: "media-1", URL: srvURL + "/files/media-1", MimeType: "image/png"})
		case "/files/media-1":
			if downloads.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("PNGDATA"))
		default:
			http.NotFound(w, r)
		}
	})
	srvURL = c.baseURL
	ctx := context.Background()

	url, err := c.GetMediaURL(ctx, conn, "media-1")
	require.NoError(t, err)
	assert.Equal(t, srvURL+"/files/media-1", url)

	data, ct, err := c.DownloadMedia(ctx, conn, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("PNGDATA"), data)
	assert.Equal(t, "image/png", ct)
	assert.EqualValues(t, 2, downloads.Load())

	_, err = c.GetMediaURL(ctx, conn, "missing")
	require.Error(t, err)
	assert.Equal(t, model.KindFatal, model.KindOf(err))
}

func TestDownloadMediaRejectsOversizedBody(t *testing.T) {
	c, conn := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/ogg")
		w.Write([]byte("0123456789ABCDEF"))
	})
	c.maxBytes = 10

	_, _, err := c.DownloadMedia(context.Background(), conn, c.baseURL+"/files/big")
	require.Error(t, err)
	assert.Equal(t, model.KindFatal, model.KindOf(err))

	c.maxBytes = 16
	data, _, err := c.DownloadMedia(context.Background(), conn, c.baseURL+"/files/big")
	require.NoError(t, err)
	assert.Len(t, data, 16)
}
