package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatcore/internal/dedup"
	"chatcore/internal/identity"
	"chatcore/internal/ingest"
	"chatcore/internal/model"
	"chatcore/internal/resync"
	"chatcore/internal/sequence"
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

// fakeAuth treats the bearer token itself as a user id, so tests can
// authenticate as an arbitrary caller by choosing a token.
type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (identity.Identity, error) {
	userID, err := uuid.Parse(token)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{UserID: userID, Role: "member"}, nil
}

type fakeMembership struct {
	members map[uuid.UUID]bool
	tenant  uuid.UUID
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
	return f.tenant, nil
}

func newTestServer(t *testing.T, member uuid.UUID) (*Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })
	dc, err := dedup.New(rdb, time.Minute, 64)
	if err != nil {
		t.Fatalf("create dedup cache: %v", err)
	}

	mem := &fakeMembership{members: map[uuid.UUID]bool{member: true}, tenant: uuid.New()}
	pub := &fakePublisher{}
	in := ingest.New(st, sequence.NewService(10), dc, pub, nil, mem, ingest.TightMode{}, 5*time.Second, zerolog.Nop())
	rs := resync.New(st, mem)

	reg := prometheus.NewRegistry()
	srv := New(in, rs, st, fakeAuth{}, pub, nil, reg, zerolog.Nop())
	return srv, st
}

func TestCreateMessageRequiresAuth(t *testing.T) {
	member := uuid.New()
	srv, _ := newTestServer(t, member)

	channel := uuid.New()
	body, _ := json.Marshal(createMessageRequest{Content: "hi", Type: model.MessageText})
	req := httptest.NewRequest(http.MethodPost, "/v1/channels/"+channel.String()+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateMessageHappyPath(t *testing.T) {
	member := uuid.New()
	srv, _ := newTestServer(t, member)

	channel := uuid.New()
	body, _ := json.Marshal(createMessageRequest{Content: "hello world", Type: model.MessageText})
	req := httptest.NewRequest(http.MethodPost, "/v1/channels/"+channel.String()+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+member.String())
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rec.Code, rec.Body.String())
	}
	var result model.CreateMessageResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if result.Status != model.StatusPersisted {
		t.Fatalf("status = %v, want persisted", result.Status)
	}
	if result.SeqID != 1 {
		t.Fatalf("seqId = %d, want 1", result.SeqID)
	}
}

func TestCreateMessageForbiddenForNonMember(t *testing.T) {
	member := uuid.New()
	outsider := uuid.New()
	srv, _ := newTestServer(t, member)

	channel := uuid.New()
	body, _ := json.Marshal(createMessageRequest{Content: "hi", Type: model.MessageText})
	req := httptest.NewRequest(http.MethodPost, "/v1/channels/"+channel.String()+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+outsider.String())
	rec := httptest.NewRecorder()

	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body=%s", rec.Code, rec.Body.String())
	}
}

func TestEditMessageRejectsNonOwner(t *testing.T) {
	member := uuid.New()
	other := uuid.New()
	srv, st := newTestServer(t, member)

	channel := uuid.New()

	createBody, _ := json.Marshal(createMessageRequest{Content: "original", Type: model.MessageText})
	createReq := httptest.NewRequest(http.MethodPost, "/v1/channels/"+channel.String()+"/messages", bytes.NewReader(createBody))
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("Authorization", "Bearer "+member.String())
	createRec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("seed create status = %d, want 201, body=%s", createRec.Code, createRec.Body.String())
	}
	var created model.CreateMessageResult
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}

	editBody, _ := json.Marshal(editMessageRequest{Content: "edited by someone else"})
	editReq := httptest.NewRequest(http.MethodPatch, "/v1/channels/"+channel.String()+"/messages/"+created.MsgID.String(), bytes.NewReader(editBody))
	editReq.Header.Set("Content-Type", "application/json")
	editReq.Header.Set("Authorization", "Bearer "+other.String())
	editRec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(editRec, editReq)

	if editRec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body=%s", editRec.Code, editRec.Body.String())
	}

	msg, err := st.GetMessageByID(context.Background(), created.MsgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Content != "original" {
		t.Fatalf("content = %q, want unchanged original", msg.Content)
	}
}

func TestHealthzOK(t *testing.T) {
	srv, _ := newTestServer(t, uuid.New())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
