package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
)

// VerifySignature checks a "sha256=<hex>" signature against the body.
func VerifySignature(appSecret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the signature header value for a body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Webhook is the Cloud API notification envelope.
type Webhook struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []RawMessage `json:"messages"`
	Statuses []Status     `json:"statuses"`
}

// RawMessage is one message as sent by the Cloud API.
type RawMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image *mediaPayload `json:"image,omitempty"`
	Audio *mediaPayload `json:"audio,omitempty"`
}

type mediaPayload struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Voice    bool   `json:"voice"`
}

// Status is a delivery status callback for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Delivery is one inbound message resolved from a webhook.
type Delivery struct {
	PhoneNumberID string
	ContactName   string
	Message       model.Inbound
}

// Skipped is a message of a kind the pipeline does not handle.
type Skipped struct {
	PhoneNumberID string
	MessageID     string
	Type          string
}

// Parsed is the content of one webhook call.
type Parsed struct {
	Deliveries []Delivery
	Skipped    []Skipped
	Statuses   []Status
}

// ParseWebhook decodes a webhook body into inbound messages.
func ParseWebhook(body []byte) (*Parsed, error) {
	var wh Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("decoding webhook: %w", err)
	}

	out := &Parsed{}
	for _, entry := range wh.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, raw := range v.Messages {
				msg, ok := raw.Inbound()
				if !ok {
					out.Skipped = append(out.Skipped, Skipped{
						PhoneNumberID: v.Metadata.PhoneNumberID,
						MessageID:     raw.ID,
						Type:          raw.Type,
					})
					continue
				}
				out.Deliveries = append(out.Deliveries, Delivery{
					PhoneNumberID: v.Metadata.PhoneNumberID,
					ContactName:   names[raw.From],
					Message:       msg,
				})
			}
			out.Statuses = append(out.Statuses, v.Statuses...)
		}
	}
	return out, nil
}

// Inbound converts a raw message into the pipeline union. It reports false for
// unsupported kinds.
func (r RawMessage) Inbound() (model.Inbound, bool) {
	env := model.Envelope{MessageID: r.ID, From: r.From, Timestamp: parseUnix(r.Timestamp)}

	switch r.Type {
	case "text":
		if r.Text == nil {
			return nil, false
		}
		return &model.TextMessage{Envelope: env, Body: r.Text.Body}, true
	case "image":
		if r.Image == nil {
			return nil, false
		}
		return &model.ImageMessage{
			Envelope: env,
			MediaID:  r.Image.ID,
			MimeType: r.Image.MimeType,
			Caption:  r.Image.Caption,
			SHA256:   r.Image.SHA256,
		}, true
	case "audio", "voice":
		if r.Audio == nil {
			return nil, false
		}
		return &model.AudioMessage{
			Envelope: env,
			MediaID:  r.Audio.ID,
			MimeType: r.Audio.MimeType,
			Voice:    r.Audio.Voice,
		}, true
	}
	return nil, false
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
