package db

import (
	"VPN-Reseller-bot/internal/errs"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrSkipWrite may be returned by a Mutate callback to leave the stored document as is.
var ErrSkipWrite = errors.New("skip write")

// Backend persists whole collection documents.
type Backend interface {
	// Read returns nil, nil when the collection has never been written.
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
}

// FileBackend keeps one JSON file per collection in a directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

// Dir is the directory holding the collection files.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

func (b *FileBackend) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Write replaces the collection file atomically: temp file, fsync, rename.
func (b *FileBackend) Write(name string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, b.path(name)); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(b.dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Collection is one durable document guarded by its own writer lock.
type Collection[T any] struct {
	name    string
	backend Backend
	empty   func() T

	mu sync.Mutex
}

func NewCollection[T any](backend Backend, name string, empty func() T) *Collection[T] {
	return &Collection[T]{name: name, backend: backend, empty: empty}
}

func (c *Collection[T]) Name() string {
	return c.name
}

// Load returns a freshly decoded snapshot. The caller owns the result.
func (c *Collection[T]) Load() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

// Mutate reloads the document, applies fn and writes the result back under the writer lock.
// If fn returns an error nothing is written; ErrSkipWrite is swallowed.
func (c *Collection[T]) Mutate(fn func(*T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.read()
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		if errors.Is(err, ErrSkipWrite) {
			return nil
		}
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	if err := c.backend.Write(c.name, data); err != nil {
		return fmt.Errorf("write %s: %w", c.name, err)
	}
	return nil
}

func (c *Collection[T]) read() (T, error) {
	data, err := c.backend.Read(c.name)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("read %s: %w", c.name, err)
	}
	v := c.empty()
	if len(strings.TrimSpace(string(data))) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %v", errs.ErrCorrupt, c.name, err)
	}
	return v, nil
}

// Keys lists the keys of a map-shaped collection in sorted order.
func Keys[V any](c *Collection[map[string]V]) ([]string, error) {
	m, err := c.Load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func emptyMap[V any]() func() map[string]V {
	return func() map[string]V { return map[string]V{} }
}

// Store bundles every collection of the bot.
type Store struct {
	Resellers       *Collection[map[string]Reseller]
	Payments        *Collection[map[string]Payment]
	Referrals       *Collection[Referrals]
	TestConfigs     *Collection[map[string]TestConfig]
	TrafficAlerts   *Collection[map[string]TrafficAlert]
	Plans           *Collection[Plans]
	Nodes           *Collection[[]Node]
	BroadcastFailed *Collection[map[string]BroadcastFailure]
	Languages       *Collection[map[string]string]
}

func Open(backend Backend) *Store {
	return &Store{
		Resellers:       NewCollection(backend, "resellers", emptyMap[Reseller]()),
		Payments:        NewCollection(backend, "payments", emptyMap[Payment]()),
		Referrals:       NewCollection(backend, "referrals", NewReferrals),
		TestConfigs:     NewCollection(backend, "test_configs", emptyMap[TestConfig]()),
		TrafficAlerts:   NewCollection(backend, "traffic_alerts", emptyMap[TrafficAlert]()),
		Plans:           NewCollection(backend, "plans", func() Plans { return Plans{} }),
		Nodes:           NewCollection(backend, "nodes", func() []Node { return nil }),
		BroadcastFailed: NewCollection(backend, "broadcast_failed_users", emptyMap[BroadcastFailure]()),
		Languages:       NewCollection(backend, "user_languages", emptyMap[string]()),
	}
}

// CheckPlans fails with ErrConfig when the catalog is missing or empty.
func (s *Store) CheckPlans() error {
	plans, err := s.Plans.Load()
	if err != nil {
		return fmt.Errorf("%w: plans: %v", errs.ErrConfig, err)
	}
	if len(plans.Sorted()) == 0 {
		return fmt.Errorf("%w: plans catalog is empty", errs.ErrConfig)
	}
	return nil
}
