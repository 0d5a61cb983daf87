package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/internal/whatsapp"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

const webhookBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "metadata": {"display_phone_number": "15550000000", "phone_number_id": "PN1"},
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "5511999990000"}],
        "messages": [
          {"from": "5511999990000", "id": "wamid.T", "timestamp": "1700000000", "type": "text", "text": {"body": "Hello"}},
          {"from": "5511999990000", "id": "wamid.S", "timestamp": "1700000003", "type": "sticker", "sticker": {"id": "x"}}
        ]
      }
    }]
  }]
}`

type fakeAdmitter struct {
	err   error
	calls []string
}

func (f *fakeAdmitter) Admit(_ context.Context, phoneNumberID, contactName string, msg model.Inbound) (*model.IncomingMessage, error) {
	f.calls = append(f.calls, phoneNumberID+"|"+contactName)
	if f.err != nil {
		return nil, f.err
	}
	return &model.IncomingMessage{
		Contact:    model.Contact{ID: "c1", WorkspaceID: "ws1", Phone: msg.Meta().From, Name: contactName},
		Connection: model.ChannelConnection{ID: "conn1", WorkspaceID: "ws1", PhoneNumberID: phoneNumberID},
		Message:    msg,
		MessageID:  msg.Meta().MessageID,
	}, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*model.IncomingMessage
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, in *model.IncomingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, in)
	return nil
}

func newWebhook(admitter Admitter, queue Enqueuer) *WebhookHandler {
	return NewWebhookHandler(admitter, queue, WebhookConfig{VerifyToken: "verify-me", AppSecret: "app-secret"}, logger.NewNop())
}

func TestWebhookVerify(t *testing.T) {
	h := newWebhook(&fakeAdmitter{}, &fakeQueue{})

	rec := httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	rec = httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	empty := NewWebhookHandler(&fakeAdmitter{}, &fakeQueue{}, WebhookConfig{}, logger.NewNop())
	rec = httptest.NewRecorder()
	empty.Verify(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func signedRequest(body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set(whatsapp.SignatureHeader, whatsapp.Sign(secret, []byte(body)))
	return req
}

func TestWebhookReceive(t *testing.T) {
	admitter := &fakeAdmitter{}
	queue := &fakeQueue{}
	h := newWebhook(admitter, queue)

	rec := httptest.NewRecorder()
	h.Receive(rec, signedRequest(webhookBody, "app-secret"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":1,"skipped":1}`, rec.Body.String())
	assert.Equal(t, []string{"PN1|Ana"}, admitter.calls)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "wamid.T", queue.jobs[0].MessageID)
	assert.Equal(t, "ws1", queue.jobs[0].Connection.WorkspaceID)
}

func TestWebhookReceiveRejectsBadSignature(t *testing.T) {
	queue := &fakeQueue{}
	h := newWebhook(&fakeAdmitter{}, queue)

	rec := httptest.NewRecorder()
	h.Receive(rec, signedRequest(webhookBody, "other-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.Receive(rec, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(webhookBody)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.jobs)
}

func TestWebhookReceiveInvalidPayload(t *testing.T) {
	h := newWebhook(&fakeAdmitter{}, &fakeQueue{})
	rec := httptest.NewRecorder()
	h.Receive(rec, signedRequest("{not json", "app-secret"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookReceiveAlwaysAcknowledges(t *testing.T) {
	t.Run("unknown connection", func(t *testing.T) {
		queue := &fakeQueue{}
		h := newWebhook(&fakeAdmitter{err: model.ErrNotFound}, queue)
		rec := httptest.NewRecorder()
		h.Receive(rec, signedRequest(webhookBody, "app-secret"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, queue.jobs)
	})

	t.Run("queue down", func(t *testing.T) {
		h := newWebhook(&fakeAdmitter{}, &fakeQueue{err: errors.New("nats down")})
		rec := httptest.NewRecorder()
		h.Receive(rec, signedRequest(webhookBody, "app-secret"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
