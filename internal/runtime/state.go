package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Targets and model tiers.
const (
	TargetCPU = "cpu"
	TargetGPU = "gpu"

	TierFlash = "flash"
	TierPro   = "pro"
)

// State is one resolved runtime configuration: where generation runs and
// which model tier to use. GPUURL is only meaningful when Target is gpu.
type State struct {
	Target    string `json:"target"`
	Model     string `json:"model"`
	GPUURL    string `json:"gpu_url,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// Patch is a partial state update; nil fields are left untouched.
type Patch struct {
	Target *string `json:"target"`
	Model  *string `json:"model"`
	GPUURL *string `json:"gpu_url"`
}

type stateFile struct {
	Global State            `json:"global"`
	Users  map[string]State `json:"users"`
}

// Event is one record of the append-only observability log. The log is never
// rewritten and is not authoritative state.
type Event struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Model  string `json:"model,omitempty"`
	GPUURL string `json:"gpu_url,omitempty"`
	Tier   string `json:"tier,omitempty"`
	Error  string `json:"error,omitempty"`
	TS     string `json:"ts"`
}

// Controller owns the process-wide runtime mode plus per-user overrides.
// Reads come from an in-memory cache; writes persist synchronously with an
// atomic replace so no reader ever observes a half-written state.
type Controller struct {
	mu     sync.RWMutex
	data   stateFile
	dir    string
	logger *zap.Logger

	evMu sync.Mutex // serializes event-log appends
}

func NewController(dataDir string, logger *zap.Logger) (*Controller, error) {
	c := &Controller{
		dir:    dataDir,
		logger: logger,
		data: stateFile{
			Global: State{Target: TargetCPU, Model: TierFlash, UpdatedAt: time.Now().UTC().Format(time.RFC3339)},
			Users:  map[string]State{},
		},
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	raw, err := os.ReadFile(c.statePath())
	switch {
	case err == nil:
		var loaded stateFile
		if err := json.Unmarshal(raw, &loaded); err != nil {
			logger.Warn("runtime state file is corrupt, starting from defaults", zap.Error(err))
		} else {
			if loaded.Users == nil {
				loaded.Users = map[string]State{}
			}
			c.data = loaded
			c.normalize()
		}
	case os.IsNotExist(err):
		if err := c.flushLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read runtime state: %w", err)
	}
	return c, nil
}

func (c *Controller) statePath() string  { return filepath.Join(c.dir, "runtime-state.json") }
func (c *Controller) modePath() string   { return filepath.Join(c.dir, "runtime-mode.json") }
func (c *Controller) eventsPath() string { return filepath.Join(c.dir, "runtime-events.jsonl") }

// normalize guarantees the global default always resolves to a concrete
// (target, model) pair.
func (c *Controller) normalize() {
	if c.data.Global.Target != TargetGPU {
		c.data.Global.Target = TargetCPU
	}
	if c.data.Global.Model != TierPro {
		c.data.Global.Model = TierFlash
	}
}

// State returns the effective runtime state for a user: the per-user override
// merged field-by-field over the global default. An empty user id (or
// "anonymous") resolves to the global default.
func (c *Controller) State(userID string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	merged := c.data.Global
	if userID == "" || userID == "anonymous" {
		return merged
	}
	u, ok := c.data.Users[userID]
	if !ok {
		return merged
	}
	if u.Target != "" {
		merged.Target = u.Target
		merged.GPUURL = u.GPUURL
	}
	if u.Model != "" {
		merged.Model = u.Model
	}
	if u.UpdatedAt != "" {
		merged.UpdatedAt = u.UpdatedAt
	}
	return merged
}

// SetState applies a patch to the global scope and, when userID names a real
// user, to that user's override as well. Switching a scope to cpu clears its
// gpu_url. The new state is persisted before returning and every accepted
// change is appended to the event log.
func (c *Controller) SetState(userID string, patch Patch) (State, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	c.mu.Lock()
	applyTo := func(s State) State {
		if patch.Target != nil && (*patch.Target == TargetCPU || *patch.Target == TargetGPU) {
			s.Target = *patch.Target
			if s.Target == TargetGPU && patch.GPUURL != nil && *patch.GPUURL != "" {
				s.GPUURL = *patch.GPUURL
			}
			if s.Target == TargetCPU {
				s.GPUURL = "" // meaningless in cpu mode
			}
		}
		if patch.Model != nil && (*patch.Model == TierFlash || *patch.Model == TierPro) {
			s.Model = *patch.Model
		}
		s.UpdatedAt = now
		return s
	}

	c.data.Global = applyTo(c.data.Global)
	if userID != "" && userID != "anonymous" {
		c.data.Users[userID] = applyTo(c.data.Users[userID])
	}
	err := c.flushLocked()
	result := c.data.Global
	if userID != "" && userID != "anonymous" {
		result = c.data.Users[userID]
	}
	c.mu.Unlock()
	if err != nil {
		return State{}, err
	}

	if patch.Target != nil && (*patch.Target == TargetCPU || *patch.Target == TargetGPU) {
		url := ""
		if patch.GPUURL != nil {
			url = *patch.GPUURL
		}
		c.AppendEvent(Event{Type: "mode_change", Target: *patch.Target, GPUURL: url})
	}
	if patch.Model != nil && (*patch.Model == TierFlash || *patch.Model == TierPro) {
		c.AppendEvent(Event{Type: "model_change", Model: *patch.Model})
	}
	return result, nil
}

// flushLocked writes the state file and the legacy runtime-mode.json mirror.
// Caller holds c.mu. Writes go through a temp file plus rename so readers of
// the file on disk never see a partial document.
func (c *Controller) flushLocked() error {
	if err := atomicWriteJSON(c.statePath(), c.data); err != nil {
		return fmt.Errorf("failed to persist runtime state: %w", err)
	}
	mode := map[string]string{"target": c.data.Global.Target, "updated_at": c.data.Global.UpdatedAt}
	if c.data.Global.Target == TargetGPU && c.data.Global.GPUURL != "" {
		mode["gpu_url"] = c.data.Global.GPUURL
	}
	if err := atomicWriteJSON(c.modePath(), mode); err != nil {
		return fmt.Errorf("failed to persist runtime mode: %w", err)
	}
	return nil
}

// AppendEvent records an observability event. Failures are logged, never
// surfaced: the event log must not block the user-visible turn.
func (c *Controller) AppendEvent(ev Event) {
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("failed to marshal runtime event", zap.Error(err))
		return
	}

	c.evMu.Lock()
	defer c.evMu.Unlock()
	f, err := os.OpenFile(c.eventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.logger.Warn("failed to open runtime event log", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		c.logger.Warn("failed to append runtime event", zap.Error(err))
	}
}

// Events returns up to limit most recent event records, oldest first.
func (c *Controller) Events(limit int) ([]Event, error) {
	raw, err := os.ReadFile(c.eventsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime event log: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var events []Event
	for _, line := range lines {
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // tolerate a torn trailing line
		}
		events = append(events, ev)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".runtime-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
