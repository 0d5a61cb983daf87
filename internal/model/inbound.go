package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope holds the fields shared by every inbound WhatsApp message.
type Envelope struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

// Inbound is one inbound message. It is implemented only by TextMessage,
// ImageMessage and AudioMessage.
type Inbound interface {
	Kind() MessageType
	Meta() Envelope
	// MediaIDs lists auxiliary ids a redelivery may be stored under.
	MediaIDs() []string
	sealed()
}

// TextMessage is a plain text message.
type TextMessage struct {
	Envelope
	Body string `json:"body"`
}

// ImageMessage is an image with an optional caption.
type ImageMessage struct {
	Envelope
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// AudioMessage is an audio clip or voice note.
type AudioMessage struct {
	Envelope
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type"`
	Voice    bool   `json:"voice,omitempty"`
}

func (m *TextMessage) Kind() MessageType  { return MessageTypeText }
func (m *ImageMessage) Kind() MessageType { return MessageTypeImage }
func (m *AudioMessage) Kind() MessageType { return MessageTypeAudio }

func (m *TextMessage) Meta() Envelope  { return m.Envelope }
func (m *ImageMessage) Meta() Envelope { return m.Envelope }
func (m *AudioMessage) Meta() Envelope { return m.Envelope }

func (m *TextMessage) MediaIDs() []string { return nil }

func (m *ImageMessage) MediaIDs() []string {
	if m.MediaID == "" {
		return nil
	}
	return []string{m.MediaID}
}

func (m *AudioMessage) MediaIDs() []string {
	if m.MediaID == "" {
		return nil
	}
	return []string{m.MediaID}
}

func (*TextMessage) sealed()  {}
func (*ImageMessage) sealed() {}
func (*AudioMessage) sealed() {}

// IncomingMessage is the unit of work handed to the pipeline.
type IncomingMessage struct {
	Contact    Contact           `json:"contact"`
	Connection ChannelConnection `json:"connection"`
	Message    Inbound           `json:"-"`
	// MessageID duplicates Message.Meta().MessageID for queue de-duplication.
	MessageID string `json:"message_id"`
}

// incomingWire is the queue encoding. The connection's access token is not
// serialized; consumers reload the connection by id.
type incomingWire struct {
	Contact    Contact           `json:"contact"`
	Connection ChannelConnection `json:"connection"`
	MessageID  string            `json:"message_id"`
	Kind       MessageType       `json:"kind"`
	Payload    json.RawMessage   `json:"payload"`
}

// MarshalJSON encodes the union with an explicit kind tag.
func (in IncomingMessage) MarshalJSON() ([]byte, error) {
	if in.Message == nil {
		return nil, fmt.Errorf("incoming message %q has no payload", in.MessageID)
	}
	payload, err := json.Marshal(in.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(incomingWire{
		Contact:    in.Contact,
		Connection: in.Connection,
		MessageID:  in.MessageID,
		Kind:       in.Message.Kind(),
		Payload:    payload,
	})
}

// UnmarshalJSON decodes the union from its kind tag.
func (in *IncomingMessage) UnmarshalJSON(data []byte) error {
	var w incomingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var msg Inbound
	switch w.Kind {
	case MessageTypeText:
		msg = &TextMessage{}
	case MessageTypeImage:
		msg = &ImageMessage{}
	case MessageTypeAudio:
		msg = &AudioMessage{}
	default:
		return fmt.Errorf("unknown inbound kind %q", w.Kind)
	}
	if err := json.Unmarshal(w.Payload, msg); err != nil {
		return fmt.Errorf("decoding %s payload: %w", w.Kind, err)
	}

	in.Contact = w.Contact
	in.Connection = w.Connection
	in.MessageID = w.MessageID
	in.Message = msg
	return nil
}
