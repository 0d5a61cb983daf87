package service

import (
	"errors"
	"fmt"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

// User-facing replies for degraded outcomes. Each one tells the user what to do next.
const (
	ReplyGeneric             = "Sorry, something went wrong on our side. Please send your message again in a moment."
	ReplyRateLimited         = "We are receiving a lot of messages right now. Please try again in a few minutes."
	ReplyTimeout             = "Sorry, this is taking longer than expected. Please send your message again."
	ReplyImageFailed         = "Sorry, we could not process your image. Please send it again or describe it in a message."
	ReplyUnsupportedImage    = "Sorry, this image format is not supported. Please send a JPEG, PNG or WebP picture."
	ReplyUnsupportedAudio    = "Sorry, this audio format is not supported. Please send a voice note or type your message."
	ReplyTranscriptionFailed = "Sorry, we could not understand your audio. Please resend your message as text."
)

// Request carries what a processor needs about one inbound message.
type Request struct {
	Conversation  *model.Conversation
	Contact       *model.Contact
	Connection    *model.ChannelConnection
	AssistantID   string
	CorrelationID string
	Logger        *logger.Logger
}

// Result is a processor's verdict. Reply is sent to the contact when non-empty.
type Result struct {
	Reply string
	// Err is the handled failure behind a degraded reply, if any.
	Err error
}

func degraded(reply string, err error) Result {
	return Result{Reply: reply, Err: err}
}

// apologyFor picks the reply for a backend failure by its kind.
func apologyFor(err error) string {
	switch model.KindOf(err) {
	case model.KindRateLimited:
		return ReplyRateLimited
	case model.KindTimeout:
		return ReplyTimeout
	default:
		return ReplyGeneric
	}
}

// abortCause returns the error that stops processing without any reply, or
// nil. A superseded run is reported as model.ErrRunConflict.
func abortCause(err error) error {
	switch {
	case errors.Is(err, model.ErrRunConflict), errors.Is(err, model.ErrDuplicateMessage):
		return err
	case Superseded(err):
		return fmt.Errorf("%w: %w", model.ErrRunConflict, err)
	}
	return nil
}
