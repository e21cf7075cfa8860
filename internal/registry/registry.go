package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SelectionStrategy picks how a backend URL is chosen.
type SelectionStrategy int

const (
	// RoundRobin advances a shared cursor across the active backends.
	RoundRobin SelectionStrategy = iota
	// Sticky reuses a previously pinned URL without consulting the cursor.
	Sticky
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Backend is one known remote inference endpoint.
type Backend struct {
	URL       string `json:"url"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

type registryFile struct {
	Servers []Backend `json:"servers"`
}

// Registry tracks remote GPU inference servers. Entries are updated
// out-of-band (colab heartbeats) and persisted to server-registry.json; the
// round-robin cursor is an atomic counter so concurrent selections advance
// deterministically and never hand out the same stale index.
type Registry struct {
	mu         sync.RWMutex
	backends   []Backend
	path       string
	defaultURL string
	cursor     atomic.Uint64
	logger     *zap.Logger
}

func New(dataDir, defaultURL string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		path:       filepath.Join(dataDir, "server-registry.json"),
		defaultURL: defaultURL,
		logger:     logger,
	}
	raw, err := os.ReadFile(r.path)
	switch {
	case err == nil:
		var f registryFile
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Warn("server registry file is corrupt, starting empty", zap.Error(err))
		} else {
			r.backends = f.Servers
		}
	case os.IsNotExist(err):
		// Empty registry until the first heartbeat.
	default:
		return nil, fmt.Errorf("failed to read server registry: %w", err)
	}
	return r, nil
}

// List returns every known backend, active or not.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// ListActive returns the backends currently marked active.
func (r *Registry) ListActive() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Backend
	for _, b := range r.backends {
		if b.Status == StatusActive && b.URL != "" {
			out = append(out, b)
		}
	}
	return out
}

// Register upserts a backend (heartbeat): known URLs are re-marked active
// with a fresh timestamp, new URLs are appended.
func (r *Registry) Register(url string) error {
	if url == "" {
		return fmt.Errorf("backend url is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for i := range r.backends {
		if r.backends[i].URL == url {
			r.backends[i].Status = StatusActive
			r.backends[i].UpdatedAt = now
			found = true
			break
		}
	}
	if !found {
		r.backends = append(r.backends, Backend{URL: url, Status: StatusActive, UpdatedAt: now})
	}
	return r.persistLocked()
}

// MarkInactive flags a backend that failed a health check.
func (r *Registry) MarkInactive(url string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.backends {
		if r.backends[i].URL == url {
			r.backends[i].Status = StatusInactive
			r.backends[i].UpdatedAt = now
			return r.persistLocked()
		}
	}
	return nil
}

func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(registryFile{Servers: r.backends}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist server registry: %w", err)
	}
	return nil
}

// Select returns a backend URL. For Sticky the pinned URL wins when present.
// For RoundRobin the shared cursor advances atomically modulo the active
// count; with no active backends the configured default URL is returned.
func (r *Registry) Select(strategy SelectionStrategy, pinned string) string {
	if strategy == Sticky && pinned != "" {
		return pinned
	}

	active := r.ListActive()
	if len(active) == 0 {
		return r.defaultURL
	}
	idx := (r.cursor.Add(1) - 1) % uint64(len(active))
	return active[idx].URL
}
