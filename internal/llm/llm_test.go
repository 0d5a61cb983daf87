package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

var (
	openaiAPIError400 = openai.APIError{HTTPStatusCode: 400, Message: "bad"}
	openaiAPIError429 = openai.APIError{HTTPStatusCode: 429, Message: "rate limited"}
	openaiAPIError503 = openai.APIError{HTTPStatusCode: 503, Message: "unavailable"}
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   model.ErrorKind
		status int
	}{
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), model.KindTimeout, 0},
		{"canceled", context.Canceled, model.KindFatal, 0},
		{"rate limited", &openaiAPIError429, model.KindRateLimited, 429},
		{"server", &openaiAPIError503, model.KindServer, 503},
		{"bad request", &openaiAPIError400, model.KindFatal, 400},
		{"net timeout", timeoutErr{}, model.KindTimeout, 0},
		{"unknown", errors.New("weird"), model.KindFatal, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("openai", "create_run", tt.err)
			var be *model.BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, classify("openai", "x", nil))
}

// --- OpenAI adapter against a fake HTTP API ---

func newTestBackend(t *testing.T, handler http.HandlerFunc) *OpenAIBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := NewOpenAIBackend("sk-test", srv.URL+"/v1", "")
	require.NoError(t, err)
	return b
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": msg, "type": "invalid_request_error"}})
}

func TestOpenAIBackendRateLimited(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusTooManyRequests, "slow down")
	})

	_, err := b.CreateRun(context.Background(), "thread_1", "asst_1")
	require.Error(t, err)
	assert.Equal(t, model.KindRateLimited, model.KindOf(err))
	assert.True(t, model.IsTransient(err))
}

func TestOpenAIBackendThreadNotFound(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "No thread found")
	})

	err := b.RetrieveThread(context.Background(), "thread_x")
	assert.ErrorIs(t, err, model.ErrThreadNotFound)
}

func TestOpenAIBackendBusyThread(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/v1/threads/thread_1/runs" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "run_1", "thread_id": "thread_1", "status": "in_progress"}},
			})
			return
		}
		writeAPIError(w, http.StatusBadRequest, "Thread already has an active run")
	})

	_, err := b.CreateMessage(context.Background(), "thread_1", RoleUser, "hi")
	assert.ErrorIs(t, err, ErrRunActive)
	assert.False(t, model.IsTransient(err))
}

func TestOpenAIBackendLatestRunAndMessages(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/threads/empty/runs":
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
		case "/v1/threads/t1/messages":
			assert.Equal(t, "desc", r.URL.Query().Get("order"))
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{
				"id": "msg_2", "role": "assistant", "run_id": "run_1",
				"content": []map[string]any{{"type": "text", "text": map[string]any{"value": "Olá!"}}},
			}}})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	run, err := b.LatestRun(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, run)

	msgs, err := b.ListMessages(ctx, "t1", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Olá!", msgs[0].Text)
	assert.Equal(t, "run_1", msgs[0].RunID)
}

// --- FakeBackend ---

func TestFakeBackendRunLifecycle(t *testing.T) {
	f := NewFakeBackend()
	f.StepsToTerminal = 2
	ctx := context.Background()

	th, err := f.CreateThread(ctx)
	require.NoError(t, err)
	_, err = f.CreateMessage(ctx, th, RoleUser, "Hello")
	require.NoError(t, err)

	run, err := f.CreateRun(ctx, th, "asst")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	_, err = f.CreateMessage(ctx, th, RoleUser, "again")
	assert.ErrorIs(t, err, ErrRunActive)

	statuses := []model.RunStatus{}
	for i := 0; i < 3; i++ {
		r, err := f.RetrieveRun(ctx, th, run.ID)
		require.NoError(t, err)
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []model.RunStatus{model.RunStatusInProgress, model.RunStatusInProgress, model.RunStatusCompleted}, statuses)

	msgs, err := f.ListMessages(ctx, th, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo: Hello", msgs[0].Text)
	assert.Equal(t, 1, f.MaxActive())
}

func TestFakeBackendCancel(t *testing.T) {
	f := NewFakeBackend()
	ctx := context.Background()

	run := f.SeedRun("t1", model.RunStatusInProgress)
	cancelled, err := f.CancelRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelling, cancelled.Status)

	r, err := f.RetrieveRun(ctx, "t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, r.Status)

	f.CancelErr = errors.New("nope")
	stuck := f.SeedRun("t2", model.RunStatusInProgress)
	_, err = f.CancelRun(ctx, "t2", stuck.ID)
	assert.Error(t, err)
	latest, err := f.LatestRun(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusInProgress, latest.Status)
}

func TestFakeBackendUnknownThread(t *testing.T) {
	f := NewFakeBackend()
	assert.ErrorIs(t, f.RetrieveThread(context.Background(), "missing"), model.ErrThreadNotFound)
}
