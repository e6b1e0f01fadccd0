package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/dedup"
	"chatcore/internal/model"
	"chatcore/internal/sequence"
	"chatcore/internal/store"
)

// fakePublisher records every publish instead of touching a live NATS
// connection, matching the narrow Publisher seam Ingest consumes.
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

// fakeMembership answers every channel as owned by one tenant with a
// fixed, configurable membership set.
type fakeMembership struct {
	tenantID uuid.UUID
	members  map[uuid.UUID]bool
}

func newFakeMembership(tenantID uuid.UUID, members ...uuid.UUID) *fakeMembership {
	m := &fakeMembership{tenantID: tenantID, members: make(map[uuid.UUID]bool)}
	for _, id := range members {
		m.members[id] = true
	}
	return m
}

func (f *fakeMembership) IsMember(_ context.Context, _, userID uuid.UUID) (bool, error) {
	return f.members[userID], nil
}

func (f *fakeMembership) Members(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id := range f.members {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeMembership) TenantForChannel(_ context.Context, _ uuid.UUID) (uuid.UUID, error) {
	return f.tenantID, nil
}

func newTestIngest(t *testing.T, mem *fakeMembership) (*Ingest, *fakePublisher) {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Redis is unreachable on purpose: dedup.Cache treats every Redis
	// error as a cache miss, so the local LRU tier is exercised on its
	// own without a live server.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })

	dc, err := dedup.New(rdb, time.Minute, 64)
	if err != nil {
		t.Fatalf("create dedup cache: %v", err)
	}

	pub := &fakePublisher{}
	in := New(st, sequence.NewService(10), dc, pub, nil, mem, TightMode{}, 5*time.Second, zerolog.Nop())
	return in, pub
}

func TestCreateMessagePersistsAndAssignsSeq(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	channel := uuid.New()
	mem := newFakeMembership(tenantID, sender)
	in, pub := newTestIngest(t, mem)

	res, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "hello", Type: model.MessageText,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if res.Status != model.StatusPersisted {
		t.Fatalf("status = %v, want persisted", res.Status)
	}
	if res.SeqID != 1 {
		t.Fatalf("seqId = %d, want 1", res.SeqID)
	}

	res2, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "second", Type: model.MessageText,
	})
	if err != nil {
		t.Fatalf("CreateMessage 2: %v", err)
	}
	if res2.SeqID != 2 {
		t.Fatalf("seqId = %d, want 2 (monotonic per channel)", res2.SeqID)
	}

	if pub.count() != 2 {
		t.Fatalf("published %d times, want 2 (one per message)", pub.count())
	}
}

func TestCreateMessageDuplicateClientMsgID(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	channel := uuid.New()
	mem := newFakeMembership(tenantID, sender)
	in, _ := newTestIngest(t, mem)

	clientMsgID := uuid.New()
	input := model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "retry me", Type: model.MessageText,
		ClientMsgID: &clientMsgID,
	}

	first, err := in.CreateMessage(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if first.Status != model.StatusPersisted {
		t.Fatalf("first status = %v, want persisted", first.Status)
	}

	// Same clientMsgId again: the dedup cache should short-circuit
	// before a second row (and second seqId) is ever allocated.
	second, err := in.CreateMessage(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateMessage retry: %v", err)
	}
	if second.Status != model.StatusDuplicate {
		t.Fatalf("retry status = %v, want duplicate", second.Status)
	}
	if second.MsgID != first.MsgID || second.SeqID != first.SeqID {
		t.Fatalf("retry result %+v does not match original %+v", second, first)
	}
}

func TestCreateMessageForbiddenForNonMember(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	outsider := uuid.New()
	channel := uuid.New()
	mem := newFakeMembership(tenantID, sender) // outsider is not a member
	in, _ := newTestIngest(t, mem)

	_, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: outsider, Content: "hi", Type: model.MessageText,
	})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want apperr.ErrForbidden", err)
	}
}

func TestCreateMessageRejectsEmptyTextContent(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	channel := uuid.New()
	mem := newFakeMembership(tenantID, sender)
	in, _ := newTestIngest(t, mem)

	_, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "", Type: model.MessageText,
	})
	if err == nil {
		t.Fatal("expected validation error for empty text message, got nil")
	}
}

func TestCreateMessageRejectsUnknownParentID(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	channel := uuid.New()
	mem := newFakeMembership(tenantID, sender)
	in, _ := newTestIngest(t, mem)

	bogusParent := uuid.New()
	_, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "reply", Type: model.MessageText,
		ParentID: &bogusParent,
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want apperr.ErrNotFound", err)
	}
}

func TestCreateMessageRejectsParentFromAnotherChannel(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	channelA := uuid.New()
	channelB := uuid.New()
	mem := newFakeMembership(tenantID, sender)
	in, _ := newTestIngest(t, mem)

	parent, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channelA, SenderID: sender, Content: "original", Type: model.MessageText,
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	_, err = in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channelB, SenderID: sender, Content: "cross-channel reply", Type: model.MessageText,
		ParentID: &parent.MsgID,
	})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want apperr.ErrNotFound", err)
	}
}

func TestCreateMessageAllowsValidParentID(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	channel := uuid.New()
	mem := newFakeMembership(tenantID, sender)
	in, _ := newTestIngest(t, mem)

	parent, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "original", Type: model.MessageText,
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	reply, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "reply", Type: model.MessageText,
		ParentID: &parent.MsgID,
	})
	if err != nil {
		t.Fatalf("CreateMessage reply: %v", err)
	}
	if reply.Status != model.StatusPersisted {
		t.Fatalf("status = %v, want persisted", reply.Status)
	}
}

func TestCreateMessageAllowsEmptyContentForFileType(t *testing.T) {
	tenantID := uuid.New()
	sender := uuid.New()
	channel := uuid.New()
	mem := newFakeMembership(tenantID, sender)
	in, _ := newTestIngest(t, mem)

	res, err := in.CreateMessage(context.Background(), model.CreateMessageInput{
		ChannelID: channel, SenderID: sender, Content: "", Type: model.MessageFile,
		Attachments: []model.Attachment{{FileKey: "k", FileName: "n", FileSize: 10, MimeType: "text/plain"}},
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if res.Status != model.StatusPersisted {
		t.Fatalf("status = %v, want persisted", res.Status)
	}
}
