package resync

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/apperr"
	"chatcore/internal/model"
	"chatcore/internal/store"
)

type fakeMembership struct {
	members map[uuid.UUID]bool
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
	return uuid.New(), nil
}

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

func seedMessages(t *testing.T, st store.Store, channelID, senderID uuid.UUID, count int) {
	t.Helper()
	for i := 1; i <= count; i++ {
		msg := &model.Message{
			MsgID: uuid.New(), SeqID: int64(i), ChannelID: channelID, TenantID: uuid.New(),
			SenderID: senderID, Type: model.MessageText, Content: "msg", CreatedAt: time.Now(),
		}
		err := st.WithTx(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
			return st.InsertMessage(ctx, tx, msg)
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func TestFetchPaginatesAndReportsHasMore(t *testing.T) {
	st := newTestStore(t)
	channel := uuid.New()
	user := uuid.New()
	seedMessages(t, st, channel, user, 10)

	r := New(st, &fakeMembership{members: map[uuid.UUID]bool{user: true}})

	page, err := r.Fetch(context.Background(), user, channel, 0, 4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page.Messages) != 4 {
		t.Fatalf("page size = %d, want 4", len(page.Messages))
	}
	if !page.HasMore {
		t.Fatal("HasMore = false, want true (10 messages, page size 4)")
	}
	if page.NextCursor != 4 {
		t.Fatalf("NextCursor = %d, want 4", page.NextCursor)
	}

	next, err := r.Fetch(context.Background(), user, channel, page.NextCursor, 4)
	if err != nil {
		t.Fatalf("Fetch page 2: %v", err)
	}
	if len(next.Messages) != 4 {
		t.Fatalf("page 2 size = %d, want 4", len(next.Messages))
	}
	if next.Messages[0].SeqID != 5 {
		t.Fatalf("page 2 first seqId = %d, want 5", next.Messages[0].SeqID)
	}

	last, err := r.Fetch(context.Background(), user, channel, next.NextCursor, 4)
	if err != nil {
		t.Fatalf("Fetch page 3: %v", err)
	}
	if len(last.Messages) != 2 {
		t.Fatalf("final page size = %d, want 2", len(last.Messages))
	}
	if last.HasMore {
		t.Fatal("HasMore = true on the final page, want false")
	}
}

func TestFetchRejectsNonMember(t *testing.T) {
	st := newTestStore(t)
	channel := uuid.New()
	member := uuid.New()
	outsider := uuid.New()
	seedMessages(t, st, channel, member, 3)

	r := New(st, &fakeMembership{members: map[uuid.UUID]bool{member: true}})

	_, err := r.Fetch(context.Background(), outsider, channel, 0, 10)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want apperr.ErrForbidden", err)
	}
}

func TestFetchDefaultsAndClampsLimit(t *testing.T) {
	st := newTestStore(t)
	channel := uuid.New()
	user := uuid.New()
	seedMessages(t, st, channel, user, 3)

	r := New(st, &fakeMembership{members: map[uuid.UUID]bool{user: true}})

	page, err := r.Fetch(context.Background(), user, channel, 0, 0)
	if err != nil {
		t.Fatalf("Fetch with limit=0: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("page size = %d, want 3 (all messages under DefaultLimit)", len(page.Messages))
	}

	page2, err := r.Fetch(context.Background(), user, channel, 0, MaxLimit+500)
	if err != nil {
		t.Fatalf("Fetch with oversized limit: %v", err)
	}
	if len(page2.Messages) != 3 {
		t.Fatalf("page size = %d, want 3", len(page2.Messages))
	}
}
