package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	natsclient "github.com/capitalize-ai/whatsapp-assistant/internal/nats"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

const replayBatch = 50

// Replayer reads a conversation's activity log.
type Replayer interface {
	Replay(ctx context.Context, workspaceID, conversationID string, afterSequence uint64, limit int) (*natsclient.ActivityPage, error)
}

// StreamConfig tunes the activity stream.
type StreamConfig struct {
	PollInterval time.Duration
	Heartbeat    time.Duration
}

// StreamHandler streams a conversation's messages and pipeline events over SSE.
type StreamHandler struct {
	replayer Replayer
	ops      *OperatorHandler
	cfg      StreamConfig
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler. Conversation lookup and the
// display time zone are shared with ops.
func NewStreamHandler(replayer Replayer, ops *OperatorHandler, cfg StreamConfig, log *logger.Logger) *StreamHandler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		replayer: replayer,
		ops:      ops,
		cfg:      cfg,
		logger:   log.Named("stream"),
	}
}

// ReplayCompleteEvent represents the completion of activity replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	ItemCount    int    `json:"item_count"`
}

// Stream handles GET /api/v1/conversations/{id}/activity
// Supports ?after_sequence=N for resuming from a specific point. After the
// replay the stream keeps delivering new activity until the client leaves.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ops.conversation(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	log := h.logger.With(zap.String("conversation_id", conv.ID))

	var cursor uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			cursor = seq
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The server's write timeout would cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conv.ID,
	})

	// drain sends every item after the cursor and reports how many it sent.
	drain := func() (int, error) {
		sent := 0
		for {
			page, err := h.replayer.Replay(ctx, conv.WorkspaceID, conv.ID, cursor, replayBatch)
			if err != nil {
				return sent, err
			}
			for _, item := range page.Items {
				if err := h.sendActivity(w, flusher, item); err != nil {
					return sent, err
				}
				sent++
			}
			cursor = page.LastSequence
			if !page.HasMore || ctx.Err() != nil {
				return sent, ctx.Err()
			}
		}
	}

	replayed, err := drain()
	if err != nil {
		if ctx.Err() == nil {
			log.Error("failed to replay activity", zap.Error(err))
			sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
				Code:    "replay_error",
				Message: "Failed to replay activity",
			})
		}
		return
	}
	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: cursor,
		ItemCount:    replayed,
	})
	log.Info("activity replay complete", zap.Int("items", replayed), zap.Uint64("last_sequence", cursor))

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(h.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now().In(h.ops.location),
			})
		case <-poll.C:
			if _, err := drain(); err != nil && ctx.Err() == nil {
				log.Warn("failed to read new activity", zap.Error(err))
			}
		}
	}
}

func (h *StreamHandler) sendActivity(w http.ResponseWriter, flusher http.Flusher, item natsclient.Activity) error {
	switch {
	case item.Message != nil:
		m := item.Message.In(h.ops.location)
		m.Sequence = item.Sequence
		return sendSSEEvent(w, flusher, "message", &m)
	case item.Event != nil:
		ev := *item.Event
		ev.Sequence = item.Sequence
		ev.CreatedAt = ev.CreatedAt.In(h.ops.location)
		return sendSSEEvent(w, flusher, "event", &ev)
	}
	return nil
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
