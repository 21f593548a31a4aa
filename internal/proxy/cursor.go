package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CursorStore owns the persisted rotation cursor for sequential
// selection. Next returns the index to use now and durably advances
// the cursor before returning.
type CursorStore interface {
	Next(ctx context.Context, poolSize int) (int, error)
}

// FileCursorStore keeps the cursor in a small JSON state file.
//
// The read-increment-write is atomic only within this process (guarded
// by the mutex); two separate processes sharing the file can still
// skip or repeat an index. Use RedisCursorStore when multiple runner
// processes rotate over the same pool.
type FileCursorStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	index  int
}

type cursorState struct {
	CurrentIndex int       `json:"current_index"`
	LastUpdated  time.Time `json:"last_updated"`
}

// NewFileCursorStore creates a file-backed cursor store. The file is
// created on first use.
func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (s *FileCursorStore) Next(ctx context.Context, poolSize int) (int, error) {
	if poolSize <= 0 {
		return 0, fmt.Errorf("empty proxy pool")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.load()
		s.loaded = true
	}

	idx := s.index % poolSize
	next := (idx + 1) % poolSize

	// Persist the advanced cursor before handing out the index, so a
	// crash after return does not replay the same proxy.
	if err := s.save(next); err != nil {
		return 0, err
	}
	s.index = next
	return idx, nil
}

func (s *FileCursorStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.index = 0
		return
	}
	var state cursorState
	if err := json.Unmarshal(data, &state); err != nil {
		s.index = 0
		return
	}
	s.index = state.CurrentIndex
}

func (s *FileCursorStore) save(index int) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cursor state dir: %w", err)
	}
	data, err := json.MarshalIndent(cursorState{
		CurrentIndex: index,
		LastUpdated:  time.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save cursor state: %w", err)
	}
	return nil
}

// RedisCursorStore keeps the cursor in Redis. INCR is atomic on the
// server, so concurrent sequential calls from multiple processes never
// skip or repeat an index.
type RedisCursorStore struct {
	client *redis.Client
	key    string
}

// NewRedisCursorStore initializes a Redis-backed cursor store.
func NewRedisCursorStore(addr, key string) *RedisCursorStore {
	return &RedisCursorStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

func (s *RedisCursorStore) Next(ctx context.Context, poolSize int) (int, error) {
	if poolSize <= 0 {
		return 0, fmt.Errorf("empty proxy pool")
	}

	// INCR returns the post-increment value; the index handed out is
	// the pre-increment one, already persisted by the same command.
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance proxy cursor: %w", err)
	}
	return int((n - 1) % int64(poolSize)), nil
}

// Close closes the Redis client.
func (s *RedisCursorStore) Close() error {
	return s.client.Close()
}
