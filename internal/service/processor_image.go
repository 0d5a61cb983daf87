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

// ImageProcessor stores inbound images and lets the assistant answer them.
type ImageProcessor struct {
	media     *mediaFetcher
	describer llm.Describer
	coord     *RunCoordinator
	messages  *MessageService
}

// NewImageProcessor creates a new image processor. A nil describer disables
// image descriptions.
func NewImageProcessor(transport Transport, mediaCache *cache.MediaCache, storage ObjectStorage, describer llm.Describer, coord *RunCoordinator, messages *MessageService) *ImageProcessor {
	if describer == nil {
		describer = llm.NopDescriber{}
	}
	return &ImageProcessor{
		media:     &mediaFetcher{transport: transport, cache: mediaCache, storage: storage},
		describer: describer,
		coord:     coord,
		messages:  messages,
	}
}

// Process validates, downloads, stores and submits an image with its caption.
func (p *ImageProcessor) Process(ctx context.Context, req *Request, msg *model.ImageMessage) (Result, error) {
	log := req.Logger.With(zap.String("media_id", msg.MediaID), zap.String("mime_type", msg.MimeType))

	if err := media.Validate(model.MessageTypeImage, msg.MimeType); err != nil {
		log.Warn("rejected image", zap.Error(err))
		return degraded(ReplyUnsupportedImage, err), nil
	}

	data, _, err := p.media.fetch(ctx, req.Connection, msg.MediaID, model.MessageTypeImage)
	if err != nil {
		log.Error("failed to fetch image", zap.Error(err))
		return degraded(ReplyImageFailed, err), nil
	}

	url, err := p.media.keep(ctx, req.Conversation.WorkspaceID, msg.MediaID, msg.MimeType, model.MessageTypeImage, data)
	if err != nil {
		log.Error("failed to store image", zap.Error(err))
		return degraded(ReplyImageFailed, err), nil
	}

	_, err = p.messages.SaveImage(ctx, req.Conversation, msg.MessageID, msg.Caption, MediaRef{
		MediaID:  msg.MediaID,
		URL:      url,
		MimeType: media.BaseType(msg.MimeType),
	})
	if errors.Is(err, model.ErrDuplicateMessage) {
		return Result{}, err
	}
	if err != nil {
		log.Error("failed to record image message", zap.Error(err))
	}

	description, err := p.describer.Describe(ctx, data, media.BaseType(msg.MimeType), msg.Caption)
	if err != nil {
		log.Warn("image description unavailable", zap.String("describer", p.describer.Name()), zap.Error(err))
	}

	reply, err := p.coord.ExecuteAndAwait(ctx, req.Conversation.ThreadID, req.AssistantID, imageTurn(msg.Caption, url, description))
	if err != nil {
		if cause := abortCause(err); cause != nil {
			return Result{}, cause
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("image turn failed", zap.Error(err))
		return degraded(ReplyImageFailed, err), nil
	}
	return Result{Reply: reply}, nil
}

// imageTurn renders the user's turn for an image.
func imageTurn(caption, url, description string) string {
	var b strings.Builder
	b.WriteString("[The user sent an image]")
	if caption != "" {
		b.WriteString("\nCaption: ")
		b.WriteString(caption)
	}
	if url != "" {
		b.WriteString("\nImage URL: ")
		b.WriteString(url)
	}
	if description != "" {
		b.WriteString("\nImage description: ")
		b.WriteString(description)
	}
	return b.String()
}
