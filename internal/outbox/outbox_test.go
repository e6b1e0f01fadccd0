package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/config"
	"chatcore/internal/identity"
	"chatcore/internal/model"
	"chatcore/internal/store"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

type fakePushEnqueuer struct {
	mu    sync.Mutex
	users []uuid.UUID
}

func (f *fakePushEnqueuer) Enqueue(_ context.Context, userID uuid.UUID, _ *model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

func (f *fakePushEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

type fakeMembership struct {
	members []uuid.UUID
}

func (f *fakeMembership) IsMember(_ context.Context, _, userID uuid.UUID) (bool, error) {
	for _, m := range f.members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMembership) Members(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return f.members, nil
}

func (f *fakeMembership) TenantForChannel(_ context.Context, _ uuid.UUID) (uuid.UUID, error) {
	return uuid.New(), nil
}

var _ identity.MembershipClient = (*fakeMembership)(nil)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

// insertPendingRow writes an outbox row directly (bypassing Ingest,
// since outbox has no foreign key on messages) and returns it claimed,
// the same shape a worker receives from ClaimOutboxBatch.
func insertPendingRow(t *testing.T, st store.Store, channelID, senderID, msgID uuid.UUID, seqID int64) *model.OutboxRow {
	t.Helper()
	env := model.Envelope{MsgID: msgID, SeqID: seqID, ChannelID: channelID, SenderID: senderID, Type: model.MessageText, Content: "hi"}
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	row := &model.OutboxRow{
		MsgID: msgID, ChannelID: channelID, SenderID: senderID, TenantID: uuid.New(),
		Payload: payload, Status: model.OutboxPending, NextAttemptAt: time.Now(), CreatedAt: time.Now(),
	}

	err = st.WithTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		return st.InsertOutboxRow(ctx, tx, row)
	})
	if err != nil {
		t.Fatalf("insert outbox row: %v", err)
	}

	claimed, err := st.ClaimOutboxBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim outbox batch: %v", err)
	}
	for _, r := range claimed {
		if r.MsgID == msgID {
			return r
		}
	}
	t.Fatalf("inserted row %s was not claimable", msgID)
	return nil
}

func fastPolicy(t *testing.T, maxAttempts int) *config.PolicyStore {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	contents := "max_attempts: " + itoa(maxAttempts) + "\nbase_delay: 1ms\nfactor: 1.0\nmax_delay: 5ms\njitter_frac: 0.0\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	ps, err := config.NewPolicyStore(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	return ps
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestProcessorProcessSuccess(t *testing.T) {
	st := newTestStore(t)
	channel := uuid.New()
	sender := uuid.New()
	recipient := uuid.New()
	msgID := uuid.New()

	row := insertPendingRow(t, st, channel, sender, msgID, 1)

	pub := &fakePublisher{}
	mem := &fakeMembership{members: []uuid.UUID{sender, recipient}}
	p := New(st, pub, nil, mem, nil, fastPolicy(t, 5), 1, 10, zerolog.Nop())

	p.process(context.Background(), row)

	if pub.count() != 1 {
		t.Fatalf("published %d times, want 1", pub.count())
	}

	cursor, err := st.GetUnreadCursor(context.Background(), recipient, channel)
	if err != nil {
		t.Fatalf("get unread cursor: %v", err)
	}
	if cursor.UnreadCount != 1 {
		t.Fatalf("recipient unread count = %d, want 1", cursor.UnreadCount)
	}

	senderCursor, err := st.GetUnreadCursor(context.Background(), sender, channel)
	if err != nil {
		t.Fatalf("get sender cursor: %v", err)
	}
	if senderCursor.UnreadCount != 0 {
		t.Fatalf("sender unread count = %d, want 0 (sender never counts their own message)", senderCursor.UnreadCount)
	}

	// A processed row moves to done and is never claimable again.
	again, err := st.ClaimOutboxBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	for _, r := range again {
		if r.MsgID == msgID {
			t.Fatalf("done row %s was claimed again", msgID)
		}
	}
}

func TestProcessorEnqueuesPushForOfflineRecipients(t *testing.T) {
	st := newTestStore(t)
	channel := uuid.New()
	sender := uuid.New()
	recipient := uuid.New()
	msgID := uuid.New()

	row := insertPendingRow(t, st, channel, sender, msgID, 1)

	mem := &fakeMembership{members: []uuid.UUID{sender, recipient}}
	push := &fakePushEnqueuer{}
	// presence is nil here (no live Redis registry), which the
	// Processor treats the same as "presence unknown" - conservatively
	// offline, so the push path still fires.
	p := New(st, &fakePublisher{}, nil, mem, push, fastPolicy(t, 5), 1, 10, zerolog.Nop())

	p.process(context.Background(), row)

	if push.count() != 1 {
		t.Fatalf("push enqueued %d times, want 1", push.count())
	}
	if push.users[0] != recipient {
		t.Fatalf("push enqueued for %v, want %v", push.users[0], recipient)
	}
}

func TestProcessorRetryReschedulesBelowMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	channel := uuid.New()
	sender := uuid.New()
	msgID := uuid.New()
	row := insertPendingRow(t, st, channel, sender, msgID, 1)

	p := New(st, &fakePublisher{}, nil, &fakeMembership{}, nil, fastPolicy(t, 5), 1, 10, zerolog.Nop())
	p.retry(context.Background(), row, errors.New("downstream unread apply failed"))

	time.Sleep(10 * time.Millisecond)
	claimed, err := st.ClaimOutboxBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	found := false
	for _, r := range claimed {
		if r.MsgID == msgID {
			found = true
			if r.Attempt != 1 {
				t.Fatalf("attempt = %d, want 1", r.Attempt)
			}
		}
	}
	if !found {
		t.Fatal("row was not rescheduled for another attempt")
	}
}

func TestProcessorRetryMarksFailedAtMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	channel := uuid.New()
	sender := uuid.New()
	msgID := uuid.New()
	row := insertPendingRow(t, st, channel, sender, msgID, 1)
	row.Attempt = 2 // one below maxAttempts=3, so this call exhausts it

	p := New(st, &fakePublisher{}, nil, &fakeMembership{}, nil, fastPolicy(t, 3), 1, 10, zerolog.Nop())
	p.retry(context.Background(), row, errors.New("permanent downstream failure"))

	time.Sleep(10 * time.Millisecond)
	claimed, err := st.ClaimOutboxBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	for _, r := range claimed {
		if r.MsgID == msgID {
			t.Fatalf("exhausted row %s was claimed again, want marked failed", msgID)
		}
	}
}
