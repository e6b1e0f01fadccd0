package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestMembershipServer(t *testing.T, channelID, memberID, tenantID uuid.UUID) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/"+channelID.String()+"/members/"+memberID.String(), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"isMember": true})
	})
	mux.HandleFunc("/channels/"+channelID.String()+"/members", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]uuid.UUID{"userIds": {memberID}})
	})
	mux.HandleFunc("/channels/"+channelID.String()+"/tenant", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]uuid.UUID{"tenantId": tenantID})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPMembershipClient(t *testing.T) {
	channel := uuid.New()
	member := uuid.New()
	outsider := uuid.New()
	tenant := uuid.New()
	srv := newTestMembershipServer(t, channel, member, tenant)

	client := NewHTTPMembershipClient(srv.URL, 2*time.Second)

	isMember, err := client.IsMember(context.Background(), channel, member)
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !isMember {
		t.Fatal("IsMember = false, want true")
	}

	members, err := client.Members(context.Background(), channel)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0] != member {
		t.Fatalf("Members = %v, want [%v]", members, member)
	}

	gotTenant, err := client.TenantForChannel(context.Background(), channel)
	if err != nil {
		t.Fatalf("TenantForChannel: %v", err)
	}
	if gotTenant != tenant {
		t.Fatalf("tenant = %v, want %v", gotTenant, tenant)
	}

	// The stub server's mux isn't wired for this exact path+id combo
	// (it only registers a handler for member's id), so a 404 should
	// surface as an error rather than a false isMember result.
	if _, err := client.IsMember(context.Background(), channel, outsider); err == nil {
		t.Fatal("IsMember for an unregistered route returned nil error, want an error from the 404")
	}
}
