package breakpoint

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/capture"
)

const maxCapturesPerSecond = 50

// Sender is the interface for sending breakpoint hits to the backend.
type Sender interface {
	SendBreakpointHit(hit *capture.RequestCapture)
}

// Manager owns the URL breakpoints of the agent.
// Requests are checked against the breakpoints by Hit; a match is captured
// and reported through the Sender, and the request is never paused.
type Manager struct {
	logger      *zap.Logger
	sender      Sender
	store       *Store
	allRequests *URLBreakpoint
	breakpoints map[string]*URLBreakpoint
	hitCounts   map[string]int
	mu          sync.RWMutex

	// storeMu serializes a registry change and its store write with Reload.
	storeMu sync.Mutex

	rateMu             sync.Mutex
	captureCount       int
	captureWindowStart time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSender sets where breakpoint hits are reported.
func WithSender(sender Sender) ManagerOption {
	return func(m *Manager) {
		m.sender = sender
	}
}

// WithStore persists breakpoints to store.
func WithStore(store *Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// NewManager creates a new breakpoint manager.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:             logger.Named("breakpoints"),
		breakpoints:        make(map[string]*URLBreakpoint),
		hitCounts:          make(map[string]int),
		captureWindowStart: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.allRequests = newURLBreakpoint(TypeText, "", AllRequestsHandle, WithDisabled(true), special())
	m.allRequests.setOwner(m)

	return m
}

// AllRequestsHandle returns the handle of the all-requests breakpoint.
func (m *Manager) AllRequestsHandle() string {
	return m.allRequests.Handle()
}

// AllRequestsBreakpoint returns the breakpoint that matches every request.
// It starts disabled.
func (m *Manager) AllRequestsBreakpoint() *URLBreakpoint {
	return m.allRequests
}

// AddURLBreakpoint registers bp and persists it.
func (m *Manager) AddURLBreakpoint(bp *URLBreakpoint) error {
	m.storeMu.Lock()
	if err := m.adopt(bp); err != nil {
		m.storeMu.Unlock()
		return err
	}
	m.persist(bp)
	m.storeMu.Unlock()

	m.logger.Debug("url breakpoint added", zap.String("key", bp.Key()), zap.Bool("disabled", bp.Disabled()))
	if err := bp.PatternError(); err != nil {
		m.logger.Warn("url breakpoint pattern does not compile", zap.String("key", bp.Key()), zap.Error(err))
	}
	return nil
}

func (m *Manager) adopt(bp *URLBreakpoint) error {
	if bp == nil {
		return fmt.Errorf("%w: nil breakpoint", ErrNotFound)
	}
	if bp.Removed() {
		return fmt.Errorf("%w: %s", ErrRemoved, bp.Key())
	}

	key := bp.Key()

	m.mu.Lock()
	if _, exists := m.breakpoints[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateBreakpoint, key)
	}
	m.breakpoints[key] = bp
	m.mu.Unlock()

	bp.setOwner(m)
	bp.OnDisabledChanged(func(disabled bool) {
		m.storeMu.Lock()
		defer m.storeMu.Unlock()
		if m.URLBreakpoint(key) == bp {
			// A Reload between the toggle and this point may have reverted it.
			bp.setDisabled(disabled, false)
			m.persist(bp)
		}
	})

	return nil
}

// RemoveURLBreakpoint drops bp from the registry and the store.
// The all-requests breakpoint cannot be removed; it is disabled instead.
func (m *Manager) RemoveURLBreakpoint(bp *URLBreakpoint) {
	if bp == nil {
		return
	}
	if bp == m.allRequests {
		bp.SetDisabled(true)
		return
	}

	key := bp.Key()

	m.storeMu.Lock()
	m.mu.Lock()
	current, exists := m.breakpoints[key]
	if !exists || current != bp {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return
	}
	delete(m.breakpoints, key)
	delete(m.hitCounts, key)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(key); err != nil {
			m.logger.Error("deleting url breakpoint", zap.String("key", key), zap.Error(err))
		}
	}
	m.storeMu.Unlock()

	// Detach from base bookkeeping when removed through the manager.
	bp.Breakpoint.Remove()

	m.logger.Debug("url breakpoint removed", zap.String("key", key))
}

// URLBreakpoint returns the breakpoint registered under key, or nil.
func (m *Manager) URLBreakpoint(key string) *URLBreakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakpoints[key]
}

// URLBreakpoints returns the registered breakpoints ordered by key.
func (m *Manager) URLBreakpoints() []*URLBreakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []*URLBreakpoint {
	bps := make([]*URLBreakpoint, 0, len(m.breakpoints))
	for _, bp := range m.breakpoints {
		bps = append(bps, bp)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].Key() < bps[j].Key() })
	return bps
}

// URLBreakpointForURL returns the breakpoint url hits, or nil.
// An enabled all-requests breakpoint takes precedence.
func (m *Manager) URLBreakpointForURL(url string) *URLBreakpoint {
	if m.allRequests.Matches(url) {
		return m.allRequests
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bp := range m.sortedLocked() {
		if bp.Matches(url) {
			return bp
		}
	}
	return nil
}

// Hit checks r against the breakpoints and reports a capture on a match.
// It returns the capture, or nil when nothing matched or the rate limit
// was reached.
func (m *Manager) Hit(r *http.Request) *capture.RequestCapture {
	url := capture.RequestURL(r)
	bp := m.URLBreakpointForURL(url)
	if bp == nil {
		return nil
	}

	if !m.rateLimitOk() {
		return nil
	}

	key := bp.Key()
	m.mu.Lock()
	m.hitCounts[key]++
	hitCount := m.hitCounts[key]
	m.mu.Unlock()

	m.logger.Debug("url breakpoint hit", zap.String("key", key), zap.String("url", url), zap.Int("hit_count", hitCount))

	hit := capture.NewRequestCapture(r, key, string(bp.Type()), hitCount)
	if m.sender != nil {
		m.sender.SendBreakpointHit(hit)
	}
	return hit
}

// HitCount returns how many times the breakpoint under key has been hit.
func (m *Manager) HitCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hitCounts[key]
}

// Command names accepted by HandleCommand.
const (
	CommandSet         = "set"
	CommandRemove      = "remove"
	CommandEnable      = "enable"
	CommandDisable     = "disable"
	CommandAllRequests = "all_requests"
)

type commandPayload struct {
	Key      string `json:"key"`
	Type     Type   `json:"type"`
	URL      string `json:"url"`
	Disabled bool   `json:"disabled"`
}

func (p commandPayload) key() string {
	if p.Key != "" {
		return p.Key
	}
	return Key(p.Type, p.URL)
}

// HandleCommand handles a breakpoint command from the backend.
func (m *Manager) HandleCommand(command string, payload interface{}) error {
	var p commandPayload
	switch v := payload.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decoding %s command: %w", command, err)
		}
	case []byte:
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decoding %s command: %w", command, err)
		}
	case map[string]interface{}:
		p.Key, _ = v["key"].(string)
		t, _ := v["type"].(string)
		p.Type = Type(t)
		p.URL, _ = v["url"].(string)
		p.Disabled, _ = v["disabled"].(bool)
	default:
		return fmt.Errorf("unsupported %s command payload %T", command, payload)
	}

	switch command {
	case CommandSet:
		if existing := m.URLBreakpoint(p.key()); existing != nil {
			existing.SetDisabled(p.Disabled)
			return nil
		}
		bp, err := NewURLBreakpoint(p.Type, p.URL, WithDisabled(p.Disabled))
		if err != nil {
			return err
		}
		if err := bp.PatternError(); err != nil {
			return fmt.Errorf("invalid regular expression %q: %w", p.URL, err)
		}
		return m.AddURLBreakpoint(bp)

	case CommandRemove:
		bp := m.URLBreakpoint(p.key())
		if bp == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, p.key())
		}
		bp.Remove()
		return nil

	case CommandEnable, CommandDisable:
		bp := m.URLBreakpoint(p.key())
		if bp == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, p.key())
		}
		bp.SetDisabled(command == CommandDisable)
		return nil

	case CommandAllRequests:
		m.allRequests.SetDisabled(p.Disabled)
		return nil
	}

	return fmt.Errorf("unknown breakpoint command %q", command)
}

// Load adds every breakpoint held by the store.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	bps, err := m.store.GetAll()
	if err != nil {
		return err
	}
	for _, bp := range bps {
		if err := m.adopt(bp); err != nil {
			m.logger.Warn("skipping stored url breakpoint", zap.String("key", bp.Key()), zap.Error(err))
		}
	}
	m.logger.Info("url breakpoints loaded", zap.Int("count", len(bps)), zap.String("store", m.store.Path()))
	return nil
}

// Reload brings the registry in line with the store after it was changed
// by another process. Nothing is written back to the store.
func (m *Manager) Reload() error {
	if m.store == nil {
		return nil
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	stored, err := m.store.GetAll()
	if err != nil {
		return err
	}

	want := make(map[string]*URLBreakpoint, len(stored))
	for _, bp := range stored {
		want[bp.Key()] = bp
	}

	m.mu.Lock()
	var dropped []*URLBreakpoint
	for key, bp := range m.breakpoints {
		if _, ok := want[key]; !ok {
			delete(m.breakpoints, key)
			delete(m.hitCounts, key)
			dropped = append(dropped, bp)
		}
	}
	var updated []*URLBreakpoint
	var added []*URLBreakpoint
	for key, bp := range want {
		if current, ok := m.breakpoints[key]; ok {
			if current.Disabled() != bp.Disabled() {
				updated = append(updated, bp)
			}
			continue
		}
		added = append(added, bp)
	}
	m.mu.Unlock()

	for _, bp := range dropped {
		bp.Breakpoint.Remove()
	}
	for _, bp := range updated {
		if current := m.URLBreakpoint(bp.Key()); current != nil {
			current.setDisabled(bp.Disabled(), false)
		}
	}
	for _, bp := range added {
		if err := m.adopt(bp); err != nil {
			m.logger.Warn("skipping stored url breakpoint", zap.String("key", bp.Key()), zap.Error(err))
		}
	}

	m.logger.Info("url breakpoints reloaded",
		zap.Int("added", len(added)),
		zap.Int("removed", len(dropped)),
		zap.Int("updated", len(updated)))
	return nil
}

func (m *Manager) persist(bp *URLBreakpoint) {
	if m.store == nil {
		return
	}
	if err := m.store.Put(bp); err != nil {
		m.logger.Error("persisting url breakpoint", zap.String("key", bp.Key()), zap.Error(err))
	}
}

func (m *Manager) rateLimitOk() bool {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	now := time.Now()
	if now.Sub(m.captureWindowStart) >= time.Second {
		m.captureCount = 0
		m.captureWindowStart = now
	}

	if m.captureCount >= maxCapturesPerSecond {
		m.logger.Debug("rate limit reached, skipping capture")
		return false
	}

	m.captureCount++
	return true
}
