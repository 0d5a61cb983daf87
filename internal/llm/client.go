// Package llm provides the assistant backend contracts and their implementations.
package llm

import (
	"context"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

// Role is the author of a message appended to a thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ThreadMessage is one message read back from a thread.
type ThreadMessage struct {
	ID    string
	Role  Role
	Text  string
	RunID string
}

// Backend is the thread/run contract of the assistant service.
type Backend interface {
	// CreateThread creates an empty thread and returns its id.
	CreateThread(ctx context.Context) (string, error)
	// RetrieveThread returns model.ErrThreadNotFound when the thread does not exist.
	RetrieveThread(ctx context.Context, threadID string) error
	// CreateMessage appends a message and returns its id.
	CreateMessage(ctx context.Context, threadID string, role Role, content string) (string, error)
	// ListMessages returns up to limit messages, latest first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)

	CreateRun(ctx context.Context, threadID, assistantID string) (*model.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*model.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (*model.Run, error)
	// LatestRun returns the most recent run of the thread, or nil when none exists.
	LatestRun(ctx context.Context, threadID string) (*model.Run, error)
}

// Transcription is the result of a speech-to-text call.
type Transcription struct {
	Text     string
	Language string
	// Duration of the audio in seconds, zero when unknown.
	Duration float64
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error)
}

// Describer produces a short textual description of an image.
type Describer interface {
	Describe(ctx context.Context, image []byte, mimeType, caption string) (string, error)
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderNone      Provider = "none"
)

// describePrompt asks for a description the assistant can reason about.
const describePrompt = "Describe this image in two or three sentences for a customer support assistant. " +
	"Transcribe any visible text verbatim. Reply in the language of the caption when one is given."

// NopDescriber returns no description.
type NopDescriber struct{}

func (NopDescriber) Describe(context.Context, []byte, string, string) (string, error) { return "", nil }
func (NopDescriber) Name() string                                                     { return string(ProviderNone) }

// NewDescriber creates an image describer based on provider.
func NewDescriber(provider Provider, openaiKey, openaiBaseURL, anthropicKey, visionModel string) (Describer, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicDescriber(anthropicKey, "")
	case ProviderOpenAI:
		return NewOpenAIDescriber(openaiKey, openaiBaseURL, visionModel)
	default:
		return NopDescriber{}, nil
	}
}
