// Package contextstore holds the versioned facts tasks hand to each other.
//
// Every Put appends a new version; a later version shadows but never
// replaces an earlier one. Superseded versions disappear only through
// Compact, which the orchestrator calls at phase boundaries.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/phasectl/internal/compression"
	"github.com/fyrsmithlabs/phasectl/pkg/agent"
)

// Errors for store operations.
var (
	ErrNotFound           = errors.New("context key not found")
	ErrVersionNotFound    = errors.New("context version not found")
	ErrVersionDiscarded   = errors.New("context version discarded by compaction")
	ErrCompactionMidPhase = errors.New("compaction is only allowed between phases")
	ErrEmptyKey           = errors.New("context key is empty")
)

// Entry is one version of a context key.
type Entry struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	ProducedBy string    `json:"produced_by"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// keyLog is the version history of one key. Versions before base were
// discarded by compaction.
type keyLog struct {
	mu      sync.RWMutex
	base    int
	entries []Entry
}

// Store is an append-only versioned key/value store.
type Store struct {
	mu        sync.RWMutex
	logs      map[string]*keyLog
	openPhase agent.Phase

	compressor compression.Compressor
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCompressor sets the compressor used to build compaction summaries.
func WithCompressor(c compression.Compressor) Option {
	return func(s *Store) {
		s.compressor = c
	}
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		logs:       make(map[string]*keyLog),
		compressor: compression.NewExtractiveCompressor(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) log(key string, create bool) *keyLog {
	s.mu.RLock()
	l, ok := s.logs[key]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[key]; !ok {
		l = &keyLog{base: 1}
		s.logs[key] = l
	}
	return l
}

// Put appends value under key and returns the new version number.
func (s *Store) Put(key, value, producedBy string) (int, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	l := s.log(key, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	version := l.base + len(l.entries)
	l.entries = append(l.entries, Entry{
		Key:        key,
		Value:      value,
		ProducedBy: producedBy,
		Version:    version,
		CreatedAt:  s.now().UTC(),
	})
	return version, nil
}

// Get returns the latest version of key.
func (s *Store) Get(key string) (Entry, error) {
	l := s.log(key, false)
	if l == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return l.entries[len(l.entries)-1], nil
}

// GetVersion returns a specific version of key.
func (s *Store) GetVersion(key string, version int) (Entry, error) {
	l := s.log(key, false)
	if l == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch {
	case version < 1 || version >= l.base+len(l.entries):
		return Entry{}, fmt.Errorf("%w: %s@%d", ErrVersionNotFound, key, version)
	case version < l.base:
		return Entry{}, fmt.Errorf("%w: %s@%d", ErrVersionDiscarded, key, version)
	}
	return l.entries[version-l.base], nil
}

// Has reports whether key has at least one version.
func (s *Store) Has(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.logs))
	for k, l := range s.logs {
		l.mu.RLock()
		n := len(l.entries)
		l.mu.RUnlock()
		if n > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Slice resolves keys to their latest values.
func (s *Store) Slice(keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		e, err := s.Get(k)
		if err != nil {
			return nil, err
		}
		out[k] = e.Value
	}
	return out, nil
}

// BeginPhase marks phase as running. Compaction is refused until EndPhase.
func (s *Store) BeginPhase(phase agent.Phase) {
	s.mu.Lock()
	s.openPhase = phase
	s.mu.Unlock()
}

// EndPhase marks the current phase as finished.
func (s *Store) EndPhase() {
	s.mu.Lock()
	s.openPhase = ""
	s.mu.Unlock()
}

// OpenPhase returns the running phase, or "" between phases.
func (s *Store) OpenPhase() agent.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openPhase
}

// CompactRequest describes one boundary compaction.
type CompactRequest struct {
	// Keys are the candidates for compaction.
	Keys []string
	// Pending are keys still named by tasks that have not run. They are
	// kept resolvable; only their superseded versions are dropped.
	Pending []string
	// SummaryKey receives the summary of the folded keys.
	SummaryKey string
	// ProducedBy is recorded as the producer of the summary entry.
	ProducedBy string
	// TargetRatio is passed to the compressor.
	TargetRatio float64
}

// CompactResult reports what a compaction did.
type CompactResult struct {
	SummaryKey     string   `json:"summary_key,omitempty"`
	SummaryVersion int      `json:"summary_version,omitempty"`
	Folded         []string `json:"folded,omitempty"`
	Retained       []string `json:"retained,omitempty"`
	Discarded      int      `json:"discarded_versions"`
}

// Compact replaces the candidate keys that no pending task names with a
// single summary entry, and drops superseded versions of the rest.
func (s *Store) Compact(ctx context.Context, req CompactRequest) (*CompactResult, error) {
	if req.SummaryKey == "" {
		return nil, fmt.Errorf("%w: summary key", ErrEmptyKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openPhase != "" {
		return nil, fmt.Errorf("%w: %s is running", ErrCompactionMidPhase, s.openPhase)
	}

	pending := make(map[string]bool, len(req.Pending))
	for _, k := range req.Pending {
		pending[k] = true
	}

	keys := append([]string(nil), req.Keys...)
	sort.Strings(keys)

	// Nothing is modified until the summary exists, so a failed
	// compaction leaves the store as it was.
	res := &CompactResult{}
	folded := make(map[string]string)
	for _, k := range keys {
		l, ok := s.logs[k]
		if !ok || k == req.SummaryKey {
			continue
		}
		l.mu.Lock()
		n := len(l.entries)
		if n > 0 && pending[k] {
			res.Retained = append(res.Retained, k)
		} else if n > 0 {
			folded[k] = l.entries[n-1].Value
			res.Folded = append(res.Folded, k)
		}
		l.mu.Unlock()
	}

	var summary string
	if len(folded) > 0 {
		var err error
		summary, err = compression.SummarizeEntries(ctx, s.compressor, folded, req.TargetRatio)
		if err != nil {
			return nil, fmt.Errorf("compacting: %w", err)
		}
	}

	for _, k := range res.Retained {
		l := s.logs[k]
		l.mu.Lock()
		latest := l.entries[len(l.entries)-1]
		res.Discarded += len(l.entries) - 1
		l.base = latest.Version
		l.entries = []Entry{latest}
		l.mu.Unlock()
	}
	if len(folded) == 0 {
		return res, nil
	}
	for k := range folded {
		res.Discarded += len(s.logs[k].entries)
		delete(s.logs, k)
	}

	l, ok := s.logs[req.SummaryKey]
	if !ok {
		l = &keyLog{base: 1}
		s.logs[req.SummaryKey] = l
	}
	version := l.base + len(l.entries)
	l.entries = append(l.entries, Entry{
		Key:        req.SummaryKey,
		Value:      summary,
		ProducedBy: req.ProducedBy,
		Version:    version,
		CreatedAt:  s.now().UTC(),
	})
	res.SummaryKey = req.SummaryKey
	res.SummaryVersion = version
	return res, nil
}
