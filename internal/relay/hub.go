package relay

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

const shardCount = 16

// Hub routes by endpoint id to the endpoint's actor. Actors are created
// lazily on the first join and evicted once their last connection leaves.
// Join and Leave run under the shard lock so that eviction can never race a
// concurrent join into a just-evicted actor.
type Hub struct {
	log    *zap.Logger
	shards [shardCount]hubShard
}

type hubShard struct {
	mu     sync.Mutex
	actors map[string]*Actor
}

func NewHub(log *zap.Logger) *Hub {
	h := &Hub{log: log}
	for i := range h.shards {
		h.shards[i].actors = make(map[string]*Actor)
	}
	return h
}

func (h *Hub) shardFor(endpointID string) *hubShard {
	f := fnv.New32a()
	f.Write([]byte(endpointID))
	return &h.shards[f.Sum32()%shardCount]
}

// Join registers the connection with the endpoint's actor, creating the actor
// if needed, and returns it so the caller can feed it inbound reports.
func (h *Hub) Join(endpointID string, c *Conn, meta Meta) *Actor {
	s := h.shardFor(endpointID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actors[endpointID]
	if !ok {
		a = newActor(endpointID, h.log)
		s.actors[endpointID] = a
	}
	a.join(c, meta)
	return a
}

// Leave removes the connection from the endpoint's actor and evicts the actor
// when it holds no more connections. Idempotent, like registry removal.
func (h *Hub) Leave(endpointID string, c *Conn) (Meta, bool) {
	s := h.shardFor(endpointID)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actors[endpointID]
	if !ok {
		return Meta{}, false
	}
	meta, removed := a.leave(c)
	if a.empty() {
		delete(s.actors, endpointID)
	}
	return meta, removed
}

// Broadcast fans an event out via the endpoint's actor. With no actor
// resident there are no connected machines, so the count is zero.
func (h *Hub) Broadcast(endpointID string, ev EventPayload, deliveries map[string]string) int {
	a := h.lookup(endpointID)
	if a == nil {
		return 0
	}
	return a.Broadcast(ev, deliveries)
}

// Machines answers the identity query for dashboards and the capture
// collaborator without opening a socket.
func (h *Hub) Machines(endpointID string) []MachineInfo {
	a := h.lookup(endpointID)
	if a == nil {
		return nil
	}
	return a.Machines()
}

func (h *Hub) lookup(endpointID string) *Actor {
	s := h.shardFor(endpointID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[endpointID]
}
