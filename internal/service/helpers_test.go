package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/whatsapp-assistant/internal/cache"
	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/media"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/internal/store"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

type sentText struct {
	To   string
	Text string
}

type fakeTransport struct {
	mu sync.Mutex

	sent       []sentText
	read       []string
	urlCalls   int
	downloads  int
	sendErrAt  int // 1-based send that fails, 0 for none
	media      map[string][]byte
	contentTyp string
	// downloadErrs are consumed one per download.
	downloadErrs []error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{media: make(map[string][]byte), contentTyp: "application/octet-stream"}
}

func (f *fakeTransport) SendText(_ context.Context, _ *model.ChannelConnection, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErrAt > 0 && len(f.sent)+1 == f.sendErrAt {
		return "", &model.BackendError{Service: "whatsapp", Op: "send_text", Kind: model.KindServer, StatusCode: 500, Err: errors.New("boom")}
	}
	f.sent = append(f.sent, sentText{To: to, Text: text})
	return fmt.Sprintf("wamid.out.%d", len(f.sent)), nil
}

func (f *fakeTransport) GetMediaURL(_ context.Context, _ *model.ChannelConnection, mediaID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlCalls++
	if _, ok := f.media[mediaID]; !ok {
		return "", &model.BackendError{Service: "whatsapp", Op: "media_url", Kind: model.KindFatal, StatusCode: 404, Err: model.ErrNotFound}
	}
	return fmt.Sprintf("https://lookaside.test/%s?v=%d", mediaID, f.urlCalls), nil
}

func (f *fakeTransport) DownloadMedia(_ context.Context, _ *model.ChannelConnection, url string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if len(f.downloadErrs) > 0 {
		err := f.downloadErrs[0]
		f.downloadErrs = f.downloadErrs[1:]
		if err != nil {
			return nil, "", err
		}
	}
	for id, data := range f.media {
		if strings.HasPrefix(url, "https://lookaside.test/"+id+"?") {
			return data, f.contentTyp, nil
		}
	}
	return nil, "", &model.BackendError{Service: "whatsapp", Op: "download", Kind: model.KindFatal, StatusCode: 404, Err: model.ErrNotFound}
}

func (f *fakeTransport) MarkAsRead(_ context.Context, _ *model.ChannelConnection, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, messageID)
	return nil
}

func (f *fakeTransport) Sent() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	uploads int
	err     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (s *fakeStorage) Upload(_ context.Context, path string, data []byte, contentType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.objects[path]; ok {
		return true, nil
	}
	s.uploads++
	s.objects[path] = data
	s.types[path] = contentType
	return false, nil
}

func (s *fakeStorage) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStorage) PublicURL(path string) string { return "https://media.test/" + path }

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (t *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (*llm.Transcription, error) {
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	return &llm.Transcription{Text: t.text, Duration: 4.5}, nil
}

type fakeDescriber struct{ description string }

func (d fakeDescriber) Describe(context.Context, []byte, string, string) (string, error) {
	return d.description, nil
}
func (fakeDescriber) Name() string { return "fake" }

type failingTranscoder struct{}

func (failingTranscoder) Transcode(context.Context, []byte, string) ([]byte, string, error) {
	return nil, "", errors.New("codec missing")
}
func (failingTranscoder) Name() string { return "failing" }

type harness struct {
	t           *testing.T
	db          *store.DB
	backend     *llm.FakeBackend
	transport   *fakeTransport
	storage     *fakeStorage
	transcriber *fakeTranscriber
	processed   *cache.ProcessedSet
	logs        *observer.ObservedLogs
	pipeline    *Pipeline
	conn        *model.ChannelConnection
	contact     *model.Contact
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	transcoder media.Transcoder
	describer  llm.Describer
	maxAge     time.Duration
}

func withTranscoder(tc media.Transcoder) harnessOption {
	return func(c *harnessConfig) { c.transcoder = tc }
}

func withDescriber(d llm.Describer) harnessOption {
	return func(c *harnessConfig) { c.describer = d }
}

var testRunConfig = RunConfig{
	PollSchedule: []time.Duration{time.Millisecond},
	Timeout:      2 * time.Second,
	CancelSettle: 50 * time.Millisecond,
}

var testRetryConfig = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{maxAge: 15 * time.Minute}
	for _, o := range opts {
		o(&cfg)
	}

	db, err := store.Open(store.DriverSQLite, ":memory:", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	ctx := context.Background()
	conn := &model.ChannelConnection{WorkspaceID: "ws1", PhoneNumberID: "pn1", AccessToken: "token", AssistantID: "asst_1"}
	require.NoError(t, db.CreateChannelConnection(ctx, conn))
	contact, err := db.UpsertContact(ctx, "ws1", "5511999990000", "Ana")
	require.NoError(t, err)

	backend := llm.NewFakeBackend()
	transport := newFakeTransport()
	storage := newFakeStorage()
	transcriber := &fakeTranscriber{text: "I need help with my order"}
	processed := cache.NewProcessedSet(100, time.Hour)
	mediaCache := cache.NewMediaCache(cache.MediaCacheConfig{Size: 10, DefaultTTL: time.Minute})

	coord := NewRunCoordinator(backend, testRunConfig, log)
	messages := NewMessageService(db, processed, nil, log)
	conversations := NewConversationService(db, backend, nil, log)

	p := NewPipeline(Components{
		Dedup:         NewDuplicityChecker(db, processed, log),
		Conversations: conversations,
		Messages:      messages,
		Connections:   db,
		Text:          NewTextProcessor(coord, messages, db, testRetryConfig, "[Human operator]"),
		Image:         NewImageProcessor(transport, mediaCache, storage, cfg.describer, coord, messages),
		Audio:         NewAudioProcessor(transport, mediaCache, storage, cfg.transcoder, transcriber, coord, messages),
		Injector:      NewHumanMessageInjector(backend, coord, "[Human operator]", log),
		Sender:        NewResponseSender(transport, messages, SenderConfig{MaxBlockLength: 600}, log),
		Transport:     transport,
	}, PipelineConfig{MaxMessageAge: cfg.maxAge}, log)

	return &harness{
		t:           t,
		db:          db,
		backend:     backend,
		transport:   transport,
		storage:     storage,
		transcriber: transcriber,
		processed:   processed,
		logs:        logs,
		pipeline:    p,
		conn:        conn,
		contact:     contact,
	}
}

func (h *harness) incoming(msg model.Inbound) *model.IncomingMessage {
	return &model.IncomingMessage{Contact: *h.contact, Connection: *h.conn, Message: msg, MessageID: msg.Meta().MessageID}
}

func (h *harness) conversation() *model.Conversation {
	h.t.Helper()
	conv, err := h.pipeline.Conversations.GetOrCreateConversation(context.Background(), h.contact.ID)
	require.NoError(h.t, err)
	return conv
}

func (h *harness) rows(conversationID string) []model.Message {
	h.t.Helper()
	msgs, err := h.db.ListMessages(context.Background(), conversationID, 100)
	require.NoError(h.t, err)
	return msgs
}

func rowsWith(msgs []model.Message, role model.Role, typ model.MessageType) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if m.Role == role && m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func envelope(id string) model.Envelope {
	return model.Envelope{MessageID: id, From: "5511999990000", Timestamp: time.Now()}
}

func textMsg(id, body string) *model.TextMessage {
	return &model.TextMessage{Envelope: envelope(id), Body: body}
}

func rateLimited() error {
	return &model.BackendError{Service: "llm", Op: "create_run", Kind: model.KindRateLimited, StatusCode: 429, Err: errors.New("too many requests")}
}
