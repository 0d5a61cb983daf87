package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/internal/whatsapp"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

// Admitter turns a parsed webhook message into pipeline work.
type Admitter interface {
	Admit(ctx context.Context, phoneNumberID, contactName string, msg model.Inbound) (*model.IncomingMessage, error)
}

// Enqueuer hands work to the pipeline asynchronously.
type Enqueuer interface {
	Enqueue(ctx context.Context, in *model.IncomingMessage) error
}

// WebhookConfig holds the channel's webhook credentials.
type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables signature checks when set.
	AppSecret string
}

// WebhookHandler receives WhatsApp Cloud API notifications.
type WebhookHandler struct {
	admitter Admitter
	queue    Enqueuer
	cfg      WebhookConfig
	logger   *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(admitter Admitter, queue Enqueuer, cfg WebhookConfig, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		admitter: admitter,
		queue:    queue,
		cfg:      cfg,
		logger:   log.Named("webhook"),
	}
}

// Verify handles GET /webhooks/whatsapp
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if q.Get("hub.mode") != "subscribe" || h.cfg.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.VerifyToken)) != 1 {
		h.logger.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}

// Receive handles POST /webhooks/whatsapp
// Once the payload is parsed the answer is always 200 so the channel does not
// redeliver; per-message failures are logged.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if h.cfg.AppSecret != "" {
		if err := whatsapp.VerifySignature(h.cfg.AppSecret, body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
			h.logger.Warn("rejected webhook", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	parsed, err := whatsapp.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("undecodable webhook", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	// Detach from the request: the channel may hang up as soon as we answer.
	ctx := context.WithoutCancel(r.Context())
	for _, d := range parsed.Deliveries {
		h.deliver(ctx, d)
	}
	for _, s := range parsed.Skipped {
		metrics.RecordInbound(s.Type, "unsupported_kind")
		h.logger.Info("ignoring unsupported message kind",
			zap.String("phone_number_id", s.PhoneNumberID),
			zap.String("message_id", s.MessageID),
			zap.String("kind", s.Type),
		)
	}
	for _, s := range parsed.Statuses {
		h.logger.Debug("delivery status",
			zap.String("message_id", s.ID),
			zap.String("status", s.Status),
		)
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"accepted": len(parsed.Deliveries),
		"skipped":  len(parsed.Skipped),
	})
}

func (h *WebhookHandler) deliver(ctx context.Context, d whatsapp.Delivery) {
	meta := d.Message.Meta()
	log := h.logger.With(
		zap.String("phone_number_id", d.PhoneNumberID),
		zap.String("message_id", meta.MessageID),
		zap.String("type", string(d.Message.Kind())),
	)

	in, err := h.admitter.Admit(ctx, d.PhoneNumberID, d.ContactName, d.Message)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warn("no channel connection for webhook")
		} else {
			log.Error("failed to admit message", zap.Error(err))
		}
		metrics.RecordInbound(string(d.Message.Kind()), "rejected")
		return
	}
	if err := h.queue.Enqueue(ctx, in); err != nil {
		log.Error("failed to enqueue message", zap.Error(err))
		metrics.RecordInbound(string(d.Message.Kind()), "enqueue_failed")
		return
	}
	log.Debug("message enqueued")
}
