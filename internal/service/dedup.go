package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/cache"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

// ExternalIDLookup answers whether a channel id was already stored.
type ExternalIDLookup interface {
	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
}

// DuplicityChecker detects redelivered webhook messages. It never marks
// anything itself; MessageStorage marks ids once their rows are written.
type DuplicityChecker struct {
	store     ExternalIDLookup
	processed *cache.ProcessedSet
	logger    *logger.Logger
	now       func() time.Time
}

// NewDuplicityChecker creates a new duplicity checker.
func NewDuplicityChecker(store ExternalIDLookup, processed *cache.ProcessedSet, log *logger.Logger) *DuplicityChecker {
	return &DuplicityChecker{store: store, processed: processed, logger: log.Named("dedup"), now: time.Now}
}

// IsDuplicate checks messageID, then each auxiliary id, against the processed
// set and then the store. A store failure is returned with a false verdict;
// the unique index on external ids still rejects a second row.
func (d *DuplicityChecker) IsDuplicate(ctx context.Context, messageID string, auxiliaryIDs []string) (bool, error) {
	if messageID == "" {
		d.logger.Warn("message without id, cannot de-duplicate", zap.Int("auxiliary_ids", len(auxiliaryIDs)))
	}

	ids := make([]string, 0, 1+len(auxiliaryIDs))
	if messageID != "" {
		ids = append(ids, messageID)
	}
	for _, id := range auxiliaryIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		if d.processed.Contains(id) {
			metrics.DedupHitsTotal.WithLabelValues("memory").Inc()
			return true, nil
		}
		found, err := d.store.ExternalIDExists(ctx, id)
		if err != nil {
			return false, err
		}
		if found {
			d.processed.Mark(id)
			metrics.DedupHitsTotal.WithLabelValues("store").Inc()
			return true, nil
		}
	}
	return false, nil
}

// IsTooOld reports whether a message sent at ts is older than maxAge.
// Messages without a timestamp are never too old.
func (d *DuplicityChecker) IsTooOld(ts time.Time, maxAge time.Duration) bool {
	if ts.IsZero() || maxAge <= 0 {
		return false
	}
	return d.now().Sub(ts) > maxAge
}
