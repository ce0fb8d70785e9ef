package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskAuditRetention prunes audit log rows past the retention window.
	TaskAuditRetention = "audit:retention"
)

// AuditPruner removes audit entries older than the given age.
type AuditPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// AuditRetentionPayload carries the retention window for one run.
type AuditRetentionPayload struct {
	RetainFor time.Duration `json:"retain_for"`
}

// NewAuditRetentionTask constructs an Asynq task for audit pruning.
func NewAuditRetentionTask(retainFor time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(AuditRetentionPayload{RetainFor: retainFor})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, body, asynq.Queue(QueueDefault)), nil
}

// NewAuditRetentionHandler builds the handler bound to a pruner.
func NewAuditRetentionHandler(pruner AuditPruner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AuditRetentionPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.RetainFor <= 0 {
			return asynq.SkipRetry
		}
		if err := pruner.Cleanup(ctx, payload.RetainFor); err != nil {
			return err
		}
		logger.Info("audit retention finished", slog.Duration("retain_for", payload.RetainFor))
		return nil
	}
}
