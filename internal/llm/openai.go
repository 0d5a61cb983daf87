package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/whatsapp-assistant/internal/media"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

const serviceOpenAI = "openai"

func newOpenAIClient(apiKey, baseURL string) (*openai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

// OpenAIBackend implements Backend and Transcriber on the OpenAI Assistants and Audio APIs.
type OpenAIBackend struct {
	client             *openai.Client
	transcriptionModel string
}

// NewOpenAIBackend creates a new OpenAI assistants backend.
func NewOpenAIBackend(apiKey, baseURL, transcriptionModel string) (*OpenAIBackend, error) {
	client, err := newOpenAIClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if transcriptionModel == "" {
		transcriptionModel = openai.Whisper1
	}
	return &OpenAIBackend{client: client, transcriptionModel: transcriptionModel}, nil
}

// CreateThread creates an empty thread.
func (b *OpenAIBackend) CreateThread(ctx context.Context) (string, error) {
	thread, err := b.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", classify(serviceOpenAI, "create_thread", err)
	}
	return thread.ID, nil
}

// RetrieveThread checks that a thread exists.
func (b *OpenAIBackend) RetrieveThread(ctx context.Context, threadID string) error {
	_, err := b.client.RetrieveThread(ctx, threadID)
	if err == nil {
		return nil
	}
	err = classify(serviceOpenAI, "retrieve_thread", err)
	if statusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%s: %w", threadID, model.ErrThreadNotFound)
	}
	return err
}

// CreateMessage appends a text message to a thread.
func (b *OpenAIBackend) CreateMessage(ctx context.Context, threadID string, role Role, content string) (string, error) {
	msg, err := b.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(role),
		Content: content,
	})
	if err != nil {
		return "", b.busyOr(ctx, threadID, "create_message", err)
	}
	return msg.ID, nil
}

// busyOr classifies err, reporting ErrRunActive when a rejected request hit a
// thread whose latest run is still active.
func (b *OpenAIBackend) busyOr(ctx context.Context, threadID, op string, err error) error {
	err = classify(serviceOpenAI, op, err)
	if statusCode(err) != http.StatusBadRequest {
		return err
	}
	run, lerr := b.LatestRun(ctx, threadID)
	if lerr != nil || run == nil || !run.Status.IsActive() {
		return err
	}
	return &model.BackendError{
		Service:    serviceOpenAI,
		Op:         op,
		Kind:       model.KindFatal,
		StatusCode: http.StatusBadRequest,
		Err:        fmt.Errorf("%w (run %s): %v", ErrRunActive, run.ID, err),
	}
}

// ListMessages returns the latest messages of a thread, newest first.
func (b *OpenAIBackend) ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	order := "desc"
	list, err := b.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, classify(serviceOpenAI, "list_messages", err)
	}

	out := make([]ThreadMessage, 0, len(list.Messages))
	for _, m := range list.Messages {
		tm := ThreadMessage{ID: m.ID, Role: Role(m.Role)}
		if m.RunID != nil {
			tm.RunID = *m.RunID
		}
		var parts []string
		for _, c := range m.Content {
			if c.Text != nil && c.Text.Value != "" {
				parts = append(parts, c.Text.Value)
			}
		}
		tm.Text = strings.Join(parts, "\n")
		out = append(out, tm)
	}
	return out, nil
}

func toRun(r openai.Run) *model.Run {
	run := &model.Run{ID: r.ID, ThreadID: r.ThreadID, Status: model.RunStatus(r.Status)}
	if r.LastError != nil {
		run.LastErrorCode = string(r.LastError.Code)
		run.LastError = r.LastError.Message
	}
	return run
}

// CreateRun starts the assistant on a thread.
func (b *OpenAIBackend) CreateRun(ctx context.Context, threadID, assistantID string) (*model.Run, error) {
	r, err := b.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return nil, b.busyOr(ctx, threadID, "create_run", err)
	}
	return toRun(r), nil
}

// RetrieveRun fetches the current state of a run.
func (b *OpenAIBackend) RetrieveRun(ctx context.Context, threadID, runID string) (*model.Run, error) {
	r, err := b.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return nil, classify(serviceOpenAI, "retrieve_run", err)
	}
	return toRun(r), nil
}

// CancelRun requests cancellation of a run.
func (b *OpenAIBackend) CancelRun(ctx context.Context, threadID, runID string) (*model.Run, error) {
	r, err := b.client.CancelRun(ctx, threadID, runID)
	if err != nil {
		return nil, classify(serviceOpenAI, "cancel_run", err)
	}
	return toRun(r), nil
}

// LatestRun returns the most recent run of a thread.
func (b *OpenAIBackend) LatestRun(ctx context.Context, threadID string) (*model.Run, error) {
	limit := 1
	order := "desc"
	list, err := b.client.ListRuns(ctx, threadID, openai.Pagination{Limit: &limit, Order: &order})
	if err != nil {
		return nil, classify(serviceOpenAI, "list_runs", err)
	}
	if len(list.Runs) == 0 {
		return nil, nil
	}
	return toRun(list.Runs[0]), nil
}

// Transcribe runs speech-to-text on an audio payload.
func (b *OpenAIBackend) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    b.transcriptionModel,
		FilePath: "audio" + media.Extension(mimeType),
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, classify(serviceOpenAI, "transcribe", err)
	}
	return &Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
		Duration: resp.Duration,
	}, nil
}

// OpenAIDescriber describes images with a vision-capable chat model.
type OpenAIDescriber struct {
	client *openai.Client
	model  string
}

// NewOpenAIDescriber creates a new OpenAI image describer.
func NewOpenAIDescriber(apiKey, baseURL, visionModel string) (*OpenAIDescriber, error) {
	client, err := newOpenAIClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if visionModel == "" {
		visionModel = openai.GPT4oMini
	}
	return &OpenAIDescriber{client: client, model: visionModel}, nil
}

// Name returns the provider name.
func (d *OpenAIDescriber) Name() string {
	return string(ProviderOpenAI)
}

// Describe returns a short description of the image.
func (d *OpenAIDescriber) Describe(ctx context.Context, image []byte, mimeType, caption string) (string, error) {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	prompt := describePrompt
	if caption != "" {
		prompt += "\nCaption: " + caption
	}

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     d.model,
		MaxTokens: 300,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailLow,
				}},
			},
		}},
	})
	if err != nil {
		return "", classify(serviceOpenAI, "describe_image", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
