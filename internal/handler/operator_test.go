package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-assistant/internal/cache"
	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/middleware"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/internal/service"
	"github.com/capitalize-ai/whatsapp-assistant/internal/store"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

var displayZone = time.FixedZone("BRT", -3*60*60)

type fakeOperator struct {
	injected []string
	sent     []model.OperatorMessageRequest
	injectFn func(threadID string) (*model.InjectResult, error)
}

func (f *fakeOperator) InjectHumanMessage(_ context.Context, threadID, text, _ string) (*model.InjectResult, error) {
	f.injected = append(f.injected, threadID+"|"+text)
	if f.injectFn != nil {
		return f.injectFn(threadID)
	}
	return &model.InjectResult{Success: true, Detail: "injected"}, nil
}

func (f *fakeOperator) SendOperatorMessage(_ context.Context, workspaceID, conversationID string, req model.OperatorMessageRequest) (*model.OperatorMessageResult, error) {
	f.sent = append(f.sent, req)
	return &model.OperatorMessageResult{
		Message: &model.Message{ConversationID: conversationID, WorkspaceID: workspaceID, Role: model.RoleHumanOperator, Content: req.Text},
		Sent:    req.Send,
	}, nil
}

type fakeMedia struct {
	names []string
}

func (f *fakeMedia) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for _, n := range f.names {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeMedia) PublicURL(path string) string { return "https://media.test/" + path }

type operatorFixture struct {
	router   chi.Router
	operator *fakeOperator
	backend  *llm.FakeBackend
	convs    *service.ConversationService
	conv     *model.Conversation
}

func withWorkspace(workspaceID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.WorkspaceIDKey, workspaceID)))
		})
	}
}

func newOperatorFixture(t *testing.T) *operatorFixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(store.DriverSQLite, ":memory:", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := llm.NewFakeBackend()
	convs := service.NewConversationService(db, backend, nil, logger.NewNop())
	msgs := service.NewMessageService(db, cache.NewProcessedSet(10, time.Hour), nil, logger.NewNop())

	contact, err := db.UpsertContact(ctx, "ws1", "5511999990000", "Ana")
	require.NoError(t, err)
	conv, err := convs.GetOrCreateConversation(ctx, contact.ID)
	require.NoError(t, err)
	_, err = msgs.SaveText(ctx, conv, "wamid.1", "Hello there")
	require.NoError(t, err)

	f := &operatorFixture{operator: &fakeOperator{}, backend: backend, convs: convs, conv: conv}
	media := &fakeMedia{names: []string{"ws1/m1.jpg", "ws2/m2.jpg"}}
	h := NewOperatorHandler(f.operator, convs, msgs, media, displayZone, logger.NewNop())

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withWorkspace("ws1"))
		r.Post("/threads/{threadID}/inject", h.Inject)
		r.Get("/media", h.ListMedia)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", h.ListMessages)
			r.Post("/operator-messages", h.SendMessage)
			r.Post("/reset-thread", h.ResetThread)
		})
	})
	f.router = r
	return f
}

func (f *operatorFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestOperatorInject(t *testing.T) {
	f := newOperatorFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/threads/"+f.conv.ThreadID+"/inject", `{"text":"We refunded the order."}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res model.InjectResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, []string{f.conv.ThreadID + "|We refunded the order."}, f.operator.injected)
}

func TestOperatorInjectErrors(t *testing.T) {
	f := newOperatorFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/threads/thread_unknown/inject", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/threads/"+f.conv.ThreadID+"/inject", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/threads/"+f.conv.ThreadID+"/inject", `{"text":"hi","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.operator.injectFn = func(string) (*model.InjectResult, error) {
		return &model.InjectResult{Detail: "thread busy"}, model.ErrRunConflict
	}
	rec = f.do(http.MethodPost, "/api/v1/threads/"+f.conv.ThreadID+"/inject", `{"text":"hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "thread busy")
}

func TestOperatorSendMessage(t *testing.T) {
	f := newOperatorFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/conversations/"+f.conv.ID+"/operator-messages", `{"text":" We are on it. ","send":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.operator.sent, 1)
	assert.Equal(t, "We are on it.", f.operator.sent[0].Text)
	assert.True(t, f.operator.sent[0].Send)

	rec = f.do(http.MethodPost, "/api/v1/conversations/0190f5d2-6c3e-7b4a-8d2f-1c9e8a7b6d5c/operator-messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/conversations/not-a-uuid/operator-messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorListMessagesInDisplayZone(t *testing.T) {
	f := newOperatorFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/conversations/"+f.conv.ID+"/messages?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "BRT", resp.Timezone)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "Hello there", resp.Messages[0].Content)
	_, offset := resp.Messages[0].CreatedAt.Zone()
	assert.Equal(t, -3*60*60, offset)
}

func TestOperatorResetThread(t *testing.T) {
	f := newOperatorFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/conversations/"+f.conv.ID+"/reset-thread", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, f.conv.ID, conv.ID)
	assert.NotEqual(t, f.conv.ThreadID, conv.ThreadID)
	assert.Equal(t, 2, f.backend.Calls("create_thread"))
}

func TestOperatorListMedia(t *testing.T) {
	f := newOperatorFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/media", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"objects":[{"path":"ws1/m1.jpg","url":"https://media.test/ws1/m1.jpg"}]}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(model.ErrThreadNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(model.ErrRunConflict))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(&model.BackendError{Kind: model.KindRateLimited, Err: context.Canceled}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}
