// Package push queues offline-delivery notifications for an external
// push provider (spec.md §1, §4.7 step 3). Handing a payload to that
// provider - APNs/FCM/whatever a deployment wires up - is out of scope
// here (SPEC_FULL.md's domain stack has no retrieved push-gateway SDK to
// ground one on); this package only implements the queuing seam so C7's
// responsibility is exercised end to end.
package push

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/metrics"
	"chatcore/internal/model"
)

// LogQueue is a minimal PushEnqueuer that records a structured log line
// and a metric per task, standing in for a real provider client the way
// cdc.Producer stands in for Kafka when unconfigured. A nil *LogQueue is
// valid and every call is a no-op, so operators can run without a push
// provider wired up at all.
type LogQueue struct {
	log zerolog.Logger
}

func NewLogQueue(log zerolog.Logger) *LogQueue {
	return &LogQueue{log: log}
}

// Enqueue records that userID should receive a push notification for
// env. outbox.Processor calls this once per offline recipient.
func (q *LogQueue) Enqueue(_ context.Context, userID uuid.UUID, env *model.Envelope) error {
	if q == nil {
		return nil
	}
	metrics.PushTasksQueued.Inc()
	q.log.Info().
		Str("userId", userID.String()).
		Str("msgId", env.MsgID.String()).
		Str("channelId", env.ChannelID.String()).
		Msg("push task queued for offline recipient")
	return nil
}
