package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// StreamManager publishes the conversation activity log.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the conversations stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	_, err := m.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    20 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		Description: "WhatsApp conversation messages and pipeline events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// token makes an id safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// MessageSubject returns the subject for a message.
func MessageSubject(workspaceID, conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, token(workspaceID), token(conversationID), role)
}

// EventSubject returns the subject for an event.
func EventSubject(workspaceID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, token(workspaceID), token(conversationID), eventType)
}

// ConversationFilter returns the filter subject for all activity in a conversation.
func ConversationFilter(workspaceID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, token(workspaceID), token(conversationID))
}

// PublishMessage publishes a stored message. The message id doubles as the
// JetStream de-duplication id.
func (m *StreamManager) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := MessageSubject(msg.WorkspaceID, msg.ConversationID, msg.Role)
	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}
	return ack.Sequence, nil
}

// PublishEvent publishes a pipeline event.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(event.WorkspaceID, event.ConversationID, event.Type)
	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// Activity is one replayed entry of a conversation's log.
type Activity struct {
	Kind     string                   `json:"kind"`
	Sequence uint64                   `json:"sequence"`
	Message  *model.Message           `json:"message,omitempty"`
	Event    *model.ConversationEvent `json:"event,omitempty"`
}

// ActivityPage is a batch of replayed activity.
type ActivityPage struct {
	Items        []Activity
	LastSequence uint64
	HasMore      bool
}

// Replay reads a conversation's messages and events after a stream sequence.
func (m *StreamManager) Replay(ctx context.Context, workspaceID, conversationID string, afterSequence uint64, limit int) (*ActivityPage, error) {
	cfg := jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(workspaceID, conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activity: %w", err)
	}

	page := &ActivityPage{LastSequence: afterSequence}
	count := 0
	for msg := range batch.Messages() {
		count++
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		page.LastSequence = meta.Sequence.Stream

		item, ok := decodeActivity(msg.Subject(), msg.Data())
		if !ok {
			continue
		}
		item.Sequence = meta.Sequence.Stream
		page.Items = append(page.Items, item)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	page.HasMore = count == limit
	return page, nil
}

func decodeActivity(subject string, data []byte) (Activity, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 5 {
		return Activity{}, false
	}
	switch parts[3] {
	case "msg":
		var msg model.Message
		if json.Unmarshal(data, &msg) != nil {
			return Activity{}, false
		}
		return Activity{Kind: "message", Message: &msg}, true
	case "event":
		var ev model.ConversationEvent
		if json.Unmarshal(data, &ev) != nil {
			return Activity{}, false
		}
		return Activity{Kind: "event", Event: &ev}, true
	}
	return Activity{}, false
}
