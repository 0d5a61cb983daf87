package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/tracing"
)

// ConnectionStore resolves channel connections and contacts for inbound traffic.
type ConnectionStore interface {
	GetChannelConnection(ctx context.Context, id string) (*model.ChannelConnection, error)
	GetChannelConnectionByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.ChannelConnection, error)
	ChannelConnectionForWorkspace(ctx context.Context, workspaceID string) (*model.ChannelConnection, error)
	UpsertContact(ctx context.Context, workspaceID, phone, name string) (*model.Contact, error)
}

const defaultDeliveryTimeout = 2 * time.Minute

var errEmptyReply = errors.New("assistant returned an empty reply")

// PipelineConfig tunes the entrypoint.
type PipelineConfig struct {
	MaxMessageAge time.Duration
	// ProcessTimeout bounds one message's handling up to the reply.
	ProcessTimeout time.Duration
	// DeliveryTimeout bounds sending the reply, pacing delays included.
	DeliveryTimeout time.Duration
	// DefaultAssistantID is used when a connection names no assistant.
	DefaultAssistantID string
}

// Components are the collaborators of a Pipeline.
type Components struct {
	Dedup         *DuplicityChecker
	Conversations *ConversationService
	Messages      *MessageService
	Connections   ConnectionStore
	Text          *TextProcessor
	Image         *ImageProcessor
	Audio         *AudioProcessor
	Injector      *HumanMessageInjector
	Sender        *ResponseSender
	Transport     Transport
	Publisher     Publisher
}

// Pipeline is the entrypoint for inbound messages and operator messages.
type Pipeline struct {
	Components
	cfg    PipelineConfig
	logger *logger.Logger
}

// NewPipeline creates a new pipeline.
func NewPipeline(c Components, cfg PipelineConfig, log *logger.Logger) *Pipeline {
	if c.Publisher == nil {
		c.Publisher = NopPublisher{}
	}
	return &Pipeline{Components: c, cfg: cfg, logger: log.Named("pipeline")}
}

// Admit resolves the connection a webhook was addressed to and the sending
// contact, and builds the unit of work for ProcessIncomingMessage.
func (p *Pipeline) Admit(ctx context.Context, phoneNumberID, contactName string, msg model.Inbound) (*model.IncomingMessage, error) {
	conn, err := p.Connections.GetChannelConnectionByPhoneNumberID(ctx, phoneNumberID)
	if err != nil {
		return nil, fmt.Errorf("resolving connection for %s: %w", phoneNumberID, err)
	}
	meta := msg.Meta()
	contact, err := p.Connections.UpsertContact(ctx, conn.WorkspaceID, meta.From, contactName)
	if err != nil {
		return nil, fmt.Errorf("upserting contact: %w", err)
	}
	return &model.IncomingMessage{
		Contact:    *contact,
		Connection: *conn,
		Message:    msg,
		MessageID:  meta.MessageID,
	}, nil
}

// ProcessIncomingMessage handles one inbound message and returns the reply
// sent to the contact. Stale and duplicate messages return
// model.ErrStaleMessage and model.ErrDuplicateMessage without side effects.
// Once a message passes those filters the contact always gets a reply,
// except when the conversation is unavailable or the thread is held by a run
// that could not be cancelled.
func (p *Pipeline) ProcessIncomingMessage(ctx context.Context, in *model.IncomingMessage) (reply string, err error) {
	if in == nil || in.Message == nil {
		return "", errors.New("incoming message has no payload")
	}
	meta := in.Message.Meta()
	kind := string(in.Message.Kind())
	correlationID := uuid.NewString()
	log := p.logger.WithContext(correlationID, in.Connection.WorkspaceID, meta.MessageID).With(zap.String("type", kind))

	ctx, span := tracing.Start(ctx, "pipeline.process",
		attribute.String("message.type", kind),
		attribute.String("correlation_id", correlationID),
	)
	defer func() { tracing.End(span, err) }()

	if p.Dedup.IsTooOld(meta.Timestamp, p.cfg.MaxMessageAge) {
		metrics.RecordInbound(kind, "stale")
		log.Info("dropping stale message", zap.Time("sent_at", meta.Timestamp))
		return "", model.ErrStaleMessage
	}
	dup, derr := p.Dedup.IsDuplicate(ctx, meta.MessageID, in.Message.MediaIDs())
	if derr != nil {
		log.Warn("duplicate check failed, processing anyway", zap.Error(derr))
	}
	if dup {
		metrics.RecordInbound(kind, "duplicate")
		log.Info("skipping duplicate message")
		return "", model.ErrDuplicateMessage
	}

	parent := ctx
	if p.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ProcessTimeout)
		defer cancel()
	}

	conn, err := p.connection(ctx, &in.Connection)
	if err != nil {
		metrics.RecordInbound(kind, "failed")
		log.Error("channel connection unavailable", zap.Error(err))
		return "", err
	}
	p.markRead(ctx, conn, meta.MessageID, log)

	conv, err := p.Conversations.GetOrCreateConversation(ctx, in.Contact.ID)
	if err != nil {
		metrics.RecordInbound(kind, "unavailable")
		log.Error("conversation unavailable, dropping message", zap.String("contact_id", in.Contact.ID), zap.Error(err))
		return "", err
	}
	log = log.WithConversation(conv.ID, conv.ThreadID)

	assistantID := conn.AssistantID
	if assistantID == "" {
		assistantID = p.cfg.DefaultAssistantID
	}
	req := &Request{
		Conversation:  conv,
		Contact:       &in.Contact,
		Connection:    conn,
		AssistantID:   assistantID,
		CorrelationID: correlationID,
		Logger:        log,
	}

	result, err := p.dispatch(ctx, req, in.Message)
	switch {
	case errors.Is(err, model.ErrRunConflict):
		metrics.RecordInbound(kind, "run_conflict")
		log.Warn("run conflict, message not answered", zap.Error(err))
		p.publishEvent(ctx, conv, correlationID, model.EventTypeRunConflict, err)
		return "", err
	case errors.Is(err, model.ErrDuplicateMessage):
		metrics.RecordInbound(kind, "duplicate")
		log.Info("message stored concurrently, skipping")
		return "", err
	case err != nil && ctx.Err() != nil && parent.Err() == nil:
		log.Error("processing budget exhausted", zap.Duration("budget", p.cfg.ProcessTimeout), zap.Error(err))
		result = degraded(ReplyTimeout, &model.BackendError{Service: "pipeline", Op: "process", Kind: model.KindTimeout, Err: err})
	case err != nil && ctx.Err() != nil:
		metrics.RecordInbound(kind, "interrupted")
		log.Error("processing interrupted", zap.Error(err))
		return "", err
	case err != nil:
		log.Error("unexpected processing failure", zap.Error(err))
		result = degraded(ReplyGeneric, err)
	}

	if strings.TrimSpace(result.Reply) == "" {
		log.Warn("no reply produced, sending generic apology")
		if result.Err == nil {
			result.Err = errEmptyReply
		}
		result.Reply = ReplyGeneric
	}

	outcome := "replied"
	if result.Err != nil {
		typ, o := eventFor(result.Err)
		outcome = o
		p.publishEvent(ctx, conv, correlationID, typ, result.Err)
	}

	sendCtx, cancelSend := p.deliveryContext(parent)
	defer cancelSend()
	if _, err = p.Sender.Deliver(sendCtx, result.Reply, conv, conn, in.Contact.Phone, correlationID); err != nil {
		metrics.RecordInbound(kind, "send_failed")
		return result.Reply, fmt.Errorf("delivering reply: %w", err)
	}
	metrics.RecordInbound(kind, outcome)
	return result.Reply, nil
}

// deliveryContext detaches delivery from the processing deadline so a reply
// produced at the end of the budget still reaches the contact.
func (p *Pipeline) deliveryContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := p.cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// dispatch routes the message to its processor. A panicking processor is
// turned into a generic apology.
func (p *Pipeline) dispatch(ctx context.Context, req *Request, msg model.Inbound) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			req.Logger.Error("processor panicked", zap.Any("panic", r), zap.Stack("stack"))
			res, err = degraded(ReplyGeneric, fmt.Errorf("processor panic: %v", r)), nil
		}
	}()

	switch m := msg.(type) {
	case *model.TextMessage:
		return p.Text.Process(ctx, req, m)
	case *model.ImageMessage:
		return p.Image.Process(ctx, req, m)
	case *model.AudioMessage:
		return p.Audio.Process(ctx, req, m)
	default:
		return Result{}, fmt.Errorf("unsupported inbound message %T", msg)
	}
}

// connection returns conn with its credentials, reloading it when the queue
// stripped the access token.
func (p *Pipeline) connection(ctx context.Context, conn *model.ChannelConnection) (*model.ChannelConnection, error) {
	if conn.AccessToken != "" {
		return conn, nil
	}
	if conn.ID == "" {
		return nil, errors.New("incoming message has no channel connection")
	}
	return p.Connections.GetChannelConnection(ctx, conn.ID)
}

func (p *Pipeline) markRead(ctx context.Context, conn *model.ChannelConnection, messageID string, log *logger.Logger) {
	if messageID == "" {
		return
	}
	if err := p.Transport.MarkAsRead(ctx, conn, messageID); err != nil {
		log.Debug("failed to mark message as read", zap.Error(err))
	}
}

// eventFor maps a handled failure to its event type and metrics outcome.
func eventFor(err error) (model.EventType, string) {
	var ume *model.UnsupportedMediaError
	var te *model.TranscriptionError
	switch {
	case errors.As(err, &ume):
		return model.EventTypeUnsupportedMedia, "unsupported_media"
	case errors.As(err, &te):
		return model.EventTypeTranscriptionError, "transcription_failed"
	}
	switch model.KindOf(err) {
	case model.KindRateLimited:
		return model.EventTypeRateLimit, "rate_limited"
	case model.KindTimeout:
		return model.EventTypeTimeout, "timeout"
	default:
		return model.EventTypeError, "degraded"
	}
}

func (p *Pipeline) publishEvent(ctx context.Context, conv *model.Conversation, correlationID string, typ model.EventType, cause error) {
	ev := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Type:           typ,
		Reason:         cause.Error(),
		CorrelationID:  correlationID,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := p.Publisher.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Warn("failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

// InjectHumanMessage appends operator text to a thread. assistantID, when
// set, starts a run so the assistant reacts immediately.
func (p *Pipeline) InjectHumanMessage(ctx context.Context, threadID, text, assistantID string) (*model.InjectResult, error) {
	correlationID := uuid.NewString()
	res, err := p.Injector.Inject(ctx, threadID, text, correlationID, assistantID)
	if err != nil {
		return res, err
	}
	if conv, cerr := p.Conversations.ByThread(ctx, threadID); cerr == nil {
		ev := &model.ConversationEvent{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conv.ID,
			WorkspaceID:    conv.WorkspaceID,
			Type:           model.EventTypeInjection,
			Reason:         res.Detail,
			CorrelationID:  correlationID,
			Metadata:       map[string]any{"run_id": res.RunID},
			CreatedAt:      time.Now().UTC(),
		}
		if _, err := p.Publisher.PublishEvent(ctx, ev); err != nil {
			p.logger.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
	return res, nil
}

// SendOperatorMessage stores a message written by an operator, optionally
// sends it to the contact, and injects it into the conversation's thread.
// A message that cannot be injected now is injected before the next user turn.
func (p *Pipeline) SendOperatorMessage(ctx context.Context, workspaceID, conversationID string, req model.OperatorMessageRequest) (*model.OperatorMessageResult, error) {
	conv, err := p.Conversations.Get(ctx, workspaceID, conversationID)
	if err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()
	log := p.logger.With(zap.String("correlation_id", correlationID), zap.String("conversation_id", conv.ID))

	channelID := ""
	if req.Send {
		conn, err := p.Connections.ChannelConnectionForWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("resolving channel connection: %w", err)
		}
		contact, err := p.Conversations.Contact(ctx, conv.ContactID)
		if err != nil {
			return nil, fmt.Errorf("resolving contact: %w", err)
		}
		channelID, err = p.Transport.SendText(ctx, conn, contact.Phone, req.Text)
		if err != nil {
			return nil, fmt.Errorf("sending operator message: %w", err)
		}
	}

	msg, err := p.Messages.SaveOperatorMessage(ctx, conv, req.Text, channelID)
	if err != nil {
		return nil, fmt.Errorf("storing operator message: %w", err)
	}
	result := &model.OperatorMessageResult{Message: msg, Sent: req.Send}
	if !conv.HasThread() {
		log.Info("operator message stored, no thread yet")
		return result, nil
	}

	res, err := p.Injector.Inject(ctx, conv.ThreadID, req.Text, correlationID, "")
	result.Injection = res
	if err != nil {
		log.Warn("operator message left pending", zap.Error(err))
		res.Detail += "; it will be injected before the next user turn"
		return result, nil
	}
	if err := p.Messages.RecordInjection(ctx, msg.ID, conv.ThreadID); err != nil {
		log.Warn("failed to record injection", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return result, nil
}
