// Package outbox implements C7: the Outbox Processor described in
// spec.md §4.7. A fixed worker pool claims pending rows, republishes
// them onto the Bus for any gateway that missed the fast path, applies
// the per-member unread increment, and retries with exponential
// backoff until the row is done or exhausted.
package outbox

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/bus"
	"chatcore/internal/config"
	"chatcore/internal/identity"
	"chatcore/internal/metrics"
	"chatcore/internal/model"
	"chatcore/internal/presence"
	"chatcore/internal/store"
)

// Publisher is the narrow slice of *bus.Bus the Processor depends on,
// so tests can substitute a fake instead of a live NATS connection.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// PushEnqueuer hands a message off to an external push notifier for a
// user who is offline per Presence (spec.md §4.7 step 3). A nil
// PushEnqueuer is valid - Enqueue is called only through the package
// helper below, which no-ops when it is unset, matching cdc.Producer's
// nil-safe pattern so operators can run without a push provider wired
// up at all.
type PushEnqueuer interface {
	Enqueue(ctx context.Context, userID uuid.UUID, env *model.Envelope) error
}

// Processor runs WorkerCount goroutines, each polling the Store for
// claimable rows on PollInterval, adapted from the teacher's fixed
// worker-pool pattern (src/worker_pool.go) generalized from a
// broadcast fan-out pool to a claim-process-retry pool.
type Processor struct {
	store        store.Store
	bus          Publisher
	presence     *presence.Registry
	membership   identity.MembershipClient
	push         PushEnqueuer
	policy       *config.PolicyStore
	rng          func() float64
	workerCount  int
	batchSize    int
	pollInterval time.Duration
	log          zerolog.Logger
}

func New(st store.Store, b Publisher, presenceReg *presence.Registry, membership identity.MembershipClient, push PushEnqueuer, policy *config.PolicyStore, workerCount, batchSize int, log zerolog.Logger) *Processor {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU() * 2
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Processor{
		store: st, bus: b, presence: presenceReg, membership: membership, push: push, policy: policy,
		rng: rand.Float64, workerCount: workerCount, batchSize: batchSize,
		pollInterval: 250 * time.Millisecond, log: log,
	}
}

// Run blocks until ctx is cancelled, fanning claim-and-process cycles
// across workerCount goroutines.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) loop(ctx context.Context, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("worker", workerID).Msg("outbox worker panic, not restarted")
		}
	}()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := p.store.ClaimOutboxBatch(ctx, p.batchSize)
			if err != nil {
				p.log.Warn().Err(err).Msg("claim outbox batch failed")
				continue
			}
			for _, row := range rows {
				p.process(ctx, row)
			}
		}
	}
}

func (p *Processor) process(ctx context.Context, row *model.OutboxRow) {
	var env model.Envelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		p.log.Error().Err(err).Str("msgId", row.MsgID.String()).Msg("outbox row has unparseable payload, marking failed")
		_ = p.store.MarkOutboxFailed(ctx, row.MsgID)
		return
	}

	// Republish: cheap insurance for recipients whose gateway
	// subscribed to the channel topic after the synchronous publish in
	// Ingest already fired.
	if err := p.bus.Publish(bus.ChannelTopic(row.ChannelID.String()), row.Payload); err != nil {
		p.log.Warn().Err(err).Str("msgId", row.MsgID.String()).Msg("outbox republish failed")
		metrics.BusPublishErrors.Inc()
	}

	if err := p.applyUnread(ctx, row, env); err != nil {
		p.retry(ctx, row, err)
		return
	}

	if err := p.store.MarkOutboxDone(ctx, row.MsgID); err != nil {
		p.log.Error().Err(err).Str("msgId", row.MsgID.String()).Msg("mark outbox done failed")
	}
}

// applyUnread increments every member's unread counter except the
// sender and, per spec.md §9 (system messages don't move the unread
// badge), except when the message is of type system. It also performs
// step 3 of spec.md §4.7: members who are offline per Presence get a
// push task queued for the external notifier.
func (p *Processor) applyUnread(ctx context.Context, row *model.OutboxRow, env model.Envelope) error {
	if env.Type == model.MessageSystem {
		return nil
	}

	members, err := p.membership.Members(ctx, row.ChannelID)
	if err != nil {
		return err
	}

	recipients := make([]uuid.UUID, 0, len(members))
	for _, userID := range members {
		if userID != row.SenderID {
			recipients = append(recipients, userID)
		}
	}

	onlineSet := make(map[uuid.UUID]bool, len(recipients))
	if p.presence != nil {
		online, err := p.presence.FilterOnline(ctx, recipients)
		if err != nil {
			p.log.Warn().Err(err).Str("msgId", row.MsgID.String()).Msg("presence lookup failed, treating recipients as offline")
		}
		for _, u := range online {
			onlineSet[u] = true
		}
	}

	for _, userID := range recipients {
		if err := p.store.ApplyUnreadIncrement(ctx, userID, row.ChannelID, row.MsgID, env.SeqID); err != nil {
			return err
		}
		if !onlineSet[userID] {
			p.enqueuePush(ctx, userID, &env)
		}
	}
	return nil
}

// enqueuePush hands an offline recipient's copy to the push notifier.
// Failures are logged, never returned: a push provider outage must not
// throttle the outbox's own retry loop.
func (p *Processor) enqueuePush(ctx context.Context, userID uuid.UUID, env *model.Envelope) {
	if p.push == nil {
		return
	}
	if err := p.push.Enqueue(ctx, userID, env); err != nil {
		p.log.Warn().Err(err).Str("msgId", env.MsgID.String()).Str("userId", userID.String()).Msg("push enqueue failed")
	}
}

// retry schedules another attempt with exponential backoff and
// proportional jitter (the capped delay is scaled by a random factor in
// [1-JitterFrac, 1+JitterFrac]; SPEC_FULL.md defaults: base 500ms,
// factor 2, cap 5m, ±20% jitter), or marks the row failed and logs an operator alert once
// MaxAttempts is exhausted.
func (p *Processor) retry(ctx context.Context, row *model.OutboxRow, cause error) {
	policy := p.policy.Current()
	attempt := row.Attempt + 1

	if attempt >= policy.MaxAttempts {
		p.log.Error().Err(cause).Str("msgId", row.MsgID.String()).Int("attempts", attempt).
			Msg("outbox row exhausted retries, marking failed - needs operator attention")
		_ = p.store.MarkOutboxFailed(ctx, row.MsgID)
		metrics.OutboxFailed.Inc()
		return
	}

	delay := float64(policy.BaseDelay) * math.Pow(policy.Factor, float64(attempt-1))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	jitter := 1 + (p.rng()*2-1)*policy.JitterFrac
	delay *= jitter
	nextAttemptAt := time.Now().Add(time.Duration(delay)).UnixMilli()

	p.log.Warn().Err(cause).Str("msgId", row.MsgID.String()).Int("attempt", attempt).
		Dur("delay", time.Duration(delay)).Msg("outbox row retry scheduled")

	if err := p.store.MarkOutboxRetry(ctx, row.MsgID, attempt, nextAttemptAt); err != nil {
		p.log.Error().Err(err).Str("msgId", row.MsgID.String()).Msg("mark outbox retry failed")
	}
	metrics.OutboxRetries.Inc()
}
