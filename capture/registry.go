package capture

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const registryShards = 16

// liveSession is the in-memory index of an open session. mu serialises
// frame appends against completion and eviction.
type liveSession struct {
	mu           sync.Mutex
	id           string
	metadata     map[string]any
	frames       map[int]struct{}
	createdAt    time.Time
	lastActivity time.Time
}

// SessionInfo is the read-only view of a live session.
type SessionInfo struct {
	SessionID    string         `json:"session_id"`
	FrameCount   int            `json:"frame_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
}

func (ls *liveSession) info() SessionInfo {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	meta := make(map[string]any, len(ls.metadata))
	for k, v := range ls.metadata {
		meta[k] = v
	}
	return SessionInfo{
		SessionID:    ls.id,
		FrameCount:   len(ls.frames),
		Metadata:     meta,
		CreatedAt:    ls.createdAt,
		LastActivity: ls.lastActivity,
	}
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// registry maps session ids to live sessions. Lookups on different shards
// never contend.
type registry struct {
	shards [registryShards]shard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*liveSession)
	}
	return r
}

func (r *registry) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%registryShards]
}

func (r *registry) get(id string) *liveSession {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[id]
}

// put registers ls unless the id is taken.
func (r *registry) put(ls *liveSession) bool {
	sh := r.shard(ls.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[ls.id]; ok {
		return false
	}
	sh.sessions[ls.id] = ls
	return true
}

// remove unregisters and returns the session, or nil if it was absent.
// Exactly one caller wins a concurrent remove.
func (r *registry) remove(id string) *liveSession {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ls := sh.sessions[id]
	delete(sh.sessions, id)
	return ls
}

func (r *registry) len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// snapshot returns all live sessions, oldest first.
func (r *registry) snapshot() []*liveSession {
	var out []*liveSession
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, ls := range sh.sessions {
			out = append(out, ls)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id < out[j].id
	})
	return out
}
