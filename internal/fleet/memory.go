package fleet

import (
	"context"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

type shard struct {
	mu     sync.RWMutex
	states map[string]BusState
}

// MemoryStore is a Store sharded by bus id; writers for buses in different
// shards never contend.
type MemoryStore struct {
	shards []*shard
}

func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &MemoryStore{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{states: make(map[string]BusState)}
	}
	return s
}

func (s *MemoryStore) shardFor(busID string) *shard {
	return s.shards[xxhash.Sum64String(busID)%uint64(len(s.shards))]
}

func (s *MemoryStore) Get(_ context.Context, busID string) (BusState, bool, error) {
	sh := s.shardFor(busID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	st, ok := sh.states[busID]
	return st, ok, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, busID string, u Update) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	sh := s.shardFor(busID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.states[busID]
	res := Apply(busID, cur, ok, u)
	sh.states[busID] = res.State
	return res, nil
}

func (s *MemoryStore) List(_ context.Context) ([]BusState, error) {
	var out []BusState
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, st := range sh.states {
			out = append(out, st)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out, nil
}
