package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/cache"
	"github.com/capitalize-ai/whatsapp-assistant/internal/llm"
	"github.com/capitalize-ai/whatsapp-assistant/internal/media"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

var errEmptyTranscript = errors.New("empty transcript")

// AudioProcessor transcribes voice notes and lets the assistant answer them.
type AudioProcessor struct {
	media       *mediaFetcher
	transcoder  media.Transcoder
	transcriber llm.Transcriber
	coord       *RunCoordinator
	messages    *MessageService
}

// NewAudioProcessor creates a new audio processor. A nil transcoder stores
// audio as received.
func NewAudioProcessor(transport Transport, mediaCache *cache.MediaCache, storage ObjectStorage, transcoder media.Transcoder, transcriber llm.Transcriber, coord *RunCoordinator, messages *MessageService) *AudioProcessor {
	if transcoder == nil {
		transcoder = media.NopTranscoder{}
	}
	return &AudioProcessor{
		media:       &mediaFetcher{transport: transport, cache: mediaCache, storage: storage},
		transcoder:  transcoder,
		transcriber: transcriber,
		coord:       coord,
		messages:    messages,
	}
}

// Process stores the audio, transcribes it and submits the transcript as the
// user's turn. Audio that passed validation is always recorded, even when it
// cannot be stored or transcribed.
func (p *AudioProcessor) Process(ctx context.Context, req *Request, msg *model.AudioMessage) (Result, error) {
	log := req.Logger.With(zap.String("media_id", msg.MediaID), zap.String("mime_type", msg.MimeType))

	if err := media.Validate(model.MessageTypeAudio, msg.MimeType); err != nil {
		log.Warn("rejected audio", zap.Error(err))
		return degraded(ReplyUnsupportedAudio, err), nil
	}

	data, _, err := p.media.fetch(ctx, req.Connection, msg.MediaID, model.MessageTypeAudio)
	if err != nil {
		log.Error("failed to fetch audio", zap.Error(err))
		return degraded(apologyFor(err), err), nil
	}

	mimeType := media.BaseType(msg.MimeType)
	stored, storedType := data, mimeType
	if out, outType, err := p.transcoder.Transcode(ctx, data, mimeType); err != nil {
		log.Warn("transcoding failed, keeping original audio", zap.String("transcoder", p.transcoder.Name()), zap.Error(err))
	} else {
		stored, storedType = out, outType
	}

	url, err := p.media.keep(ctx, req.Conversation.WorkspaceID, msg.MediaID, storedType, model.MessageTypeAudio, stored)
	if err != nil {
		log.Error("failed to store audio", zap.Error(err))
	}
	ref := MediaRef{MediaID: msg.MediaID, URL: url, MimeType: storedType}

	transcript, terr := p.transcribe(ctx, data, mimeType)
	if terr != nil {
		log.Warn("transcription failed", zap.Error(terr))
		if _, err := p.messages.SaveAudio(ctx, req.Conversation, msg.MessageID, "", ref); err != nil {
			if errors.Is(err, model.ErrDuplicateMessage) {
				return Result{}, err
			}
			log.Error("failed to record audio message", zap.Error(err))
		}
		return degraded(ReplyTranscriptionFailed, terr), nil
	}

	ref.Duration = transcript.Duration
	if _, err := p.messages.SaveAudio(ctx, req.Conversation, msg.MessageID, transcript.Text, ref); err != nil {
		if errors.Is(err, model.ErrDuplicateMessage) {
			return Result{}, err
		}
		log.Error("failed to record audio message", zap.Error(err))
	}

	reply, err := p.coord.ExecuteAndAwait(ctx, req.Conversation.ThreadID, req.AssistantID, transcript.Text)
	if err != nil {
		if cause := abortCause(err); cause != nil {
			return Result{}, cause
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("audio turn failed", zap.Error(err))
		return degraded(apologyFor(err), err), nil
	}
	return Result{Reply: reply}, nil
}

func (p *AudioProcessor) transcribe(ctx context.Context, audio []byte, mimeType string) (*llm.Transcription, error) {
	if p.transcriber == nil {
		return nil, &model.TranscriptionError{Err: errors.New("no transcriber configured")}
	}
	t, err := p.transcriber.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return nil, &model.TranscriptionError{Err: err}
	}
	t.Text = strings.TrimSpace(t.Text)
	if t.Text == "" {
		return nil, &model.TranscriptionError{Err: errEmptyTranscript}
	}
	return t, nil
}
