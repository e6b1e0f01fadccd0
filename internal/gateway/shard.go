package gateway

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// shard owns a disjoint slice of connections and the channel ->
// subscriber index for exactly those connections, adapted from the
// teacher's src/sharded package (MessageRouter/Shard) which partitions
// clients across N goroutine-owned shards to keep broadcast fan-out
// lock contention local to a shard instead of global.
type shard struct {
	mu            sync.RWMutex
	clients       map[string]*client          // connId -> client
	channelIndex  map[uuid.UUID]map[string]*client // channelId -> connId -> client
}

func newShard() *shard {
	return &shard{
		clients:      make(map[string]*client),
		channelIndex: make(map[uuid.UUID]map[string]*client),
	}
}

func (s *shard) add(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.connID] = c
}

func (s *shard) remove(connID string) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[connID]
	if !ok {
		return nil
	}
	delete(s.clients, connID)
	for channelID, members := range s.channelIndex {
		delete(members, connID)
		if len(members) == 0 {
			delete(s.channelIndex, channelID)
		}
	}
	return c
}

func (s *shard) subscribe(channelID uuid.UUID, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.channelIndex[channelID]
	if !ok {
		members = make(map[string]*client)
		s.channelIndex[channelID] = members
	}
	members[c.connID] = c
}

func (s *shard) unsubscribe(channelID uuid.UUID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.channelIndex[channelID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(s.channelIndex, channelID)
		}
	}
}

// subscribers returns a snapshot of clients subscribed to channelID on
// this shard.
func (s *shard) subscribers(channelID uuid.UUID) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.channelIndex[channelID]
	out := make([]*client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (s *shard) get(connID string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[connID]
}

func (s *shard) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// shardFor picks the shard owning connID by FNV hash, matching the
// teacher's CPU-affine shard assignment in src/sharded/router.go
// generalized from symbol-based sharding to connection-based sharding.
func shardFor(shards []*shard, connID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(connID))
	return shards[h.Sum32()%uint32(len(shards))]
}
