package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/middleware"
	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

// Operator performs operator actions on conversations.
type Operator interface {
	InjectHumanMessage(ctx context.Context, threadID, text, assistantID string) (*model.InjectResult, error)
	SendOperatorMessage(ctx context.Context, workspaceID, conversationID string, req model.OperatorMessageRequest) (*model.OperatorMessageResult, error)
}

// Conversations looks up and resets conversations.
type Conversations interface {
	Get(ctx context.Context, workspaceID, conversationID string) (*model.Conversation, error)
	ByThread(ctx context.Context, threadID string) (*model.Conversation, error)
	CreateNewThreadForConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
}

// MessageLister reads a conversation's message log.
type MessageLister interface {
	List(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// MediaLister lists stored media objects.
type MediaLister interface {
	List(ctx context.Context, prefix string) ([]string, error)
	PublicURL(path string) string
}

// OperatorHandler serves the operator API.
type OperatorHandler struct {
	operator      Operator
	conversations Conversations
	messages      MessageLister
	media         MediaLister
	location      *time.Location
	logger        *logger.Logger
}

// NewOperatorHandler creates a new operator handler. Message timestamps are
// rendered in loc.
func NewOperatorHandler(op Operator, convs Conversations, msgs MessageLister, media MediaLister, loc *time.Location, log *logger.Logger) *OperatorHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &OperatorHandler{
		operator:      op,
		conversations: convs,
		messages:      msgs,
		media:         media,
		location:      loc,
		logger:        log.Named("operator"),
	}
}

func (h *OperatorHandler) requestLogger(r *http.Request) *logger.Logger {
	return h.logger.With(
		zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		zap.String("workspace_id", middleware.GetWorkspaceID(r.Context())),
		zap.String("user_id", middleware.GetUserID(r.Context())),
	)
}

// conversation loads the {id} conversation of the caller's workspace and
// writes the error response when it cannot.
func (h *OperatorHandler) conversation(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	conv, err := h.conversations.Get(r.Context(), middleware.GetWorkspaceID(r.Context()), conversationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
		} else {
			h.requestLogger(r).Error("failed to load conversation", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load conversation")
		}
		return nil, false
	}
	return conv, true
}

// Inject handles POST /api/v1/threads/{threadID}/inject
func (h *OperatorHandler) Inject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := chi.URLParam(r, "threadID")
	if err := middleware.ValidateThreadID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.InjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateOperatorText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Only threads bound to one of the caller's conversations can be touched.
	conv, err := h.conversations.ByThread(ctx, threadID)
	if err != nil || conv.WorkspaceID != middleware.GetWorkspaceID(ctx) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}

	res, err := h.operator.InjectHumanMessage(ctx, threadID, req.Text, req.AssistantID)
	if err != nil {
		h.requestLogger(r).Warn("injection failed", zap.String("thread_id", threadID), zap.Error(err))
		if res == nil {
			res = &model.InjectResult{Detail: err.Error()}
		}
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SendMessage handles POST /api/v1/conversations/{id}/operator-messages
func (h *OperatorHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req model.OperatorMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if err := middleware.ValidateOperatorText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.operator.SendOperatorMessage(r.Context(), conv.WorkspaceID, conv.ID, req)
	if err != nil {
		h.requestLogger(r).Error("failed to send operator message", zap.String("conversation_id", conv.ID), zap.Error(err))
		writeError(w, statusFor(err), "failed to send operator message")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListMessages handles GET /api/v1/conversations/{id}/messages
func (h *OperatorHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	limit := intParam(r, "limit", 50, 500)
	msgs, err := h.messages.List(r.Context(), conv.ID, limit)
	if err != nil {
		h.requestLogger(r).Error("failed to list messages", zap.String("conversation_id", conv.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.In(h.location)
	}
	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		ConversationID: conv.ID,
		Messages:       out,
		Timezone:       h.location.String(),
	})
}

// ResetThread handles POST /api/v1/conversations/{id}/reset-thread
func (h *OperatorHandler) ResetThread(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	updated, err := h.conversations.CreateNewThreadForConversation(r.Context(), conv.ID)
	if err != nil {
		h.requestLogger(r).Error("failed to reset thread", zap.String("conversation_id", conv.ID), zap.Error(err))
		writeError(w, statusFor(err), "failed to reset thread")
		return
	}
	h.requestLogger(r).Info("thread reset",
		zap.String("conversation_id", conv.ID),
		zap.String("previous_thread_id", conv.ThreadID),
		zap.String("thread_id", updated.ThreadID),
	)
	writeJSON(w, http.StatusOK, updated)
}

// MediaObject is one stored media object.
type MediaObject struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// ListMedia handles GET /api/v1/media
func (h *OperatorHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	names, err := h.media.List(r.Context(), workspaceID+"/")
	if err != nil {
		h.requestLogger(r).Error("failed to list media", zap.Error(err))
		writeError(w, statusFor(err), "failed to list media")
		return
	}
	out := make([]MediaObject, 0, len(names))
	for _, name := range names {
		out = append(out, MediaObject{Path: name, URL: h.media.PublicURL(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": out})
}
