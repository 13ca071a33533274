package breakpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/fsutil"
)

// Store persists URL breakpoints as a JSON array keyed by
// URLBreakpointsKeyPath. Mutations are read-modify-write under a file lock
// and replace the file atomically, so several processes can share it.
type Store struct {
	path        string
	logger      *zap.Logger
	lockTimeout time.Duration
}

// NewStore returns a store backed by the file at path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:        path,
		logger:      logger.Named("store"),
		lockTimeout: fsutil.DefaultLockTimeout,
	}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// GetAll decodes every stored breakpoint. Entries that fail to decode are
// skipped with a warning.
func (s *Store) GetAll() ([]*URLBreakpoint, error) {
	entries, err := s.read()
	if err != nil {
		return nil, err
	}

	bps := make([]*URLBreakpoint, 0, len(entries))
	for i, raw := range entries {
		bp, err := URLBreakpointFromJSON(raw)
		if err != nil {
			s.logger.Warn("skipping corrupt url breakpoint entry", zap.Int("index", i), zap.Error(err))
			continue
		}
		bps = append(bps, bp)
	}
	return bps, nil
}

// Put inserts or replaces bp.
func (s *Store) Put(bp *URLBreakpoint) error {
	data, err := json.Marshal(bp.ToJSON(StoreKey))
	if err != nil {
		return fmt.Errorf("encoding %s: %w", bp.Key(), err)
	}
	return s.update(func(entries map[string]json.RawMessage) {
		entries[bp.Key()] = data
	})
}

// Delete removes the entry stored under key.
func (s *Store) Delete(key string) error {
	return s.update(func(entries map[string]json.RawMessage) {
		delete(entries, key)
	})
}

func (s *Store) update(fn func(map[string]json.RawMessage)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	return fsutil.WithLock(s.path, s.lockTimeout, func() error {
		raw, err := s.read()
		if err != nil {
			return err
		}

		entries := make(map[string]json.RawMessage, len(raw))
		for _, entry := range raw {
			var id struct {
				Key string `json:"__id"`
			}
			if err := json.Unmarshal(entry, &id); err != nil || id.Key == "" {
				// Keep what we cannot index so a bad write never loses data.
				entries[fmt.Sprintf("\x00corrupt-%d", len(entries))] = entry
				continue
			}
			entries[id.Key] = entry
		}

		fn(entries)

		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make([]json.RawMessage, 0, len(keys))
		for _, k := range keys {
			out = append(out, entries[k])
		}

		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding store: %w", err)
		}
		return fsutil.AtomicWriteFile(s.path, append(data, '\n'), 0644)
	})
}

func (s *Store) read() ([]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding store %s: %w", s.path, err)
	}
	return entries, nil
}
