package eventstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/busflow/transport"
)

// MemoryCheckpointStore keeps checkpoints in process. Positions are lost on
// restart, so it suits tests and local development only.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]transport.Checkpoint
	now         func() time.Time
}

var _ transport.CheckpointStore = (*MemoryCheckpointStore)(nil)

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]transport.Checkpoint),
		now:         time.Now,
	}
}

func (s *MemoryCheckpointStore) EnsureContainer(context.Context) error { return nil }

func (s *MemoryCheckpointStore) GetCheckpoint(_ context.Context, id transport.CheckpointID) (transport.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id.Path()]
	return cp, ok, nil
}

func (s *MemoryCheckpointStore) UpdateCheckpoint(_ context.Context, cp transport.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now().UTC()
	}
	s.mu.Lock()
	s.checkpoints[cp.Path()] = cp
	s.mu.Unlock()
	return nil
}

// Checkpoints returns every stored checkpoint ordered by path.
func (s *MemoryCheckpointStore) Checkpoints() []transport.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}
