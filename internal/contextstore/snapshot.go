package contextstore

import (
	"fmt"
	"sort"
)

// KeySnapshot is the retained history of one key.
type KeySnapshot struct {
	Base    int     `json:"base"`
	Entries []Entry `json:"entries"`
}

// Snapshot is a serializable copy of the whole store.
type Snapshot struct {
	Keys map[string]KeySnapshot `json:"keys"`
}

// Snapshot copies every retained version.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Keys: make(map[string]KeySnapshot, len(s.logs))}
	for k, l := range s.logs {
		l.mu.RLock()
		if len(l.entries) > 0 {
			snap.Keys[k] = KeySnapshot{Base: l.base, Entries: append([]Entry(nil), l.entries...)}
		}
		l.mu.RUnlock()
	}
	return snap
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap Snapshot) error {
	logs := make(map[string]*keyLog, len(snap.Keys))
	for k, ks := range snap.Keys {
		if ks.Base < 1 {
			return fmt.Errorf("restoring %s: invalid base version %d", k, ks.Base)
		}
		for i, e := range ks.Entries {
			if e.Key != k || e.Version != ks.Base+i {
				return fmt.Errorf("restoring %s: entry %d out of sequence", k, i)
			}
		}
		logs[k] = &keyLog{base: ks.Base, entries: append([]Entry(nil), ks.Entries...)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openPhase != "" {
		return fmt.Errorf("%w: %s is running", ErrCompactionMidPhase, s.openPhase)
	}
	s.logs = logs
	return nil
}

// Len returns the number of retained versions across all keys.
func (snap Snapshot) Len() int {
	n := 0
	for _, ks := range snap.Keys {
		n += len(ks.Entries)
	}
	return n
}

// SortedKeys returns the snapshot's keys in order.
func (snap Snapshot) SortedKeys() []string {
	keys := make([]string, 0, len(snap.Keys))
	for k := range snap.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
