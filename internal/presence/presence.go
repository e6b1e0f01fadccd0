// Package presence implements C3: the live mapping of users to the
// gateway instances holding their connections (spec.md §4.3). Backed
// by Redis so the mapping is visible fleet-wide, matching the shared
// hash map the spec calls for and the pattern observed in other chat
// gateways in the retrieval pack (a Valkey/Redis-backed presence
// store fronting a WebSocket hub).
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatcore/internal/identity"
)

// Registry tracks which gateway(s) currently hold a connection for each
// user. A user is online iff their member set is non-empty.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

func indexKey(userID uuid.UUID) string    { return "presence:index:" + userID.String() }
func sentinelKey(member string) string    { return "presence:live:" + member }
func memberOf(gatewayID, connID string) string { return gatewayID + "|" + connID }

// Bind registers that userID now holds a connection on gatewayID/connID.
// Called on successful WebSocket authentication (state: authenticating
// -> active, spec.md §4.6).
func (r *Registry) Bind(ctx context.Context, userID uuid.UUID, gatewayID, connID string) error {
	member := memberOf(gatewayID, connID)
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, indexKey(userID), member)
	pipe.Set(ctx, sentinelKey(member), userID.String(), r.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence bind: %w", err)
	}
	return nil
}

// Heartbeat refreshes the sentinel TTL for an existing binding; two
// missed heartbeats (spec.md §5) let the sentinel expire and the next
// Lookup/FilterOnline call reaps the stale member.
func (r *Registry) Heartbeat(ctx context.Context, gatewayID, connID string) error {
	member := memberOf(gatewayID, connID)
	return r.rdb.Expire(ctx, sentinelKey(member), r.ttl).Err()
}

// Unbind removes a connection on disconnect. The user becomes offline
// only once their member set is empty.
func (r *Registry) Unbind(ctx context.Context, userID uuid.UUID, gatewayID, connID string) error {
	member := memberOf(gatewayID, connID)
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, indexKey(userID), member)
	pipe.Del(ctx, sentinelKey(member))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence unbind: %w", err)
	}
	return nil
}

// Lookup returns the set of gateway ids currently holding a connection
// for userID, reaping any member whose heartbeat sentinel has expired.
func (r *Registry) Lookup(ctx context.Context, userID uuid.UUID) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence lookup: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	live, stale := r.partitionLive(ctx, members)
	if len(stale) > 0 {
		r.rdb.SRem(ctx, indexKey(userID), stale...)
	}

	gatewayIDs := make([]string, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, m := range live {
		gw := gatewayOf(m)
		if !seen[gw] {
			seen[gw] = true
			gatewayIDs = append(gatewayIDs, gw)
		}
	}
	return gatewayIDs, nil
}

func (r *Registry) partitionLive(ctx context.Context, members []string) (live, stale []string) {
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.Exists(ctx, sentinelKey(m))
	}
	_, _ = pipe.Exec(ctx)

	for i, m := range members {
		if cmds[i].Val() > 0 {
			live = append(live, m)
		} else {
			stale = append(stale, m)
		}
	}
	return live, stale
}

func gatewayOf(member string) string {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i]
		}
	}
	return member
}

// FilterOnline returns the subset of users that are currently online.
func (r *Registry) FilterOnline(ctx context.Context, users []uuid.UUID) ([]uuid.UUID, error) {
	online := make([]uuid.UUID, 0, len(users))
	for _, u := range users {
		gws, err := r.Lookup(ctx, u)
		if err != nil {
			return nil, err
		}
		if len(gws) > 0 {
			online = append(online, u)
		}
	}
	return online, nil
}

// LookupChannel resolves online members of a channel: it asks the
// external membership collaborator for the roster, then filters it
// through presence. membership is the identity.MembershipClient
// described in spec.md §1 (consumed, not owned, by the core).
func LookupChannel(ctx context.Context, reg *Registry, membership identity.MembershipClient, channelID uuid.UUID) (online []uuid.UUID, all []uuid.UUID, err error) {
	all, err = membership.Members(ctx, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("list channel members: %w", err)
	}
	online, err = reg.FilterOnline(ctx, all)
	if err != nil {
		return nil, nil, err
	}
	return online, all, nil
}
