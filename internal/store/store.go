// Package store provides crash-safe persistence for strategy state using
// JSON files.
//
// Two kinds of records are kept: a final snapshot per strategy
// (strategy_<id>.json, written when the runner reaches a terminal state) and
// an append-only fill log per strategy (fills_<id>.jsonl, one JSON object
// per line). Snapshot writes use atomic file replacement (write to .tmp,
// then rename) so a crash mid-save never leaves a corrupt file.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stratequeue/internal/portfolio"
	"stratequeue/internal/stats"
	"stratequeue/pkg/types"
)

// FinalSnapshot is everything worth keeping about a strategy after it stops:
// the registry record, the closing ledger state, and the performance metrics.
type FinalSnapshot struct {
	Record  types.StrategyRecord `json:"record"`
	Ledger  portfolio.Snapshot   `json:"ledger"`
	Metrics stats.Snapshot       `json:"metrics"`
	SavedAt time.Time            `json:"saved_at"`
}

// Store persists strategy snapshots and fill logs to a directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveFinal atomically persists a stopped strategy's snapshot. Later saves
// for the same id overwrite earlier ones.
func (s *Store) SaveFinal(snap FinalSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dir, "strategy_"+snap.Record.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFinal restores a stopped strategy's snapshot from disk.
// Returns nil, nil if none exists.
func (s *Store) LoadFinal(strategyID string) (*FinalSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "strategy_"+strategyID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap FinalSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// AppendFill appends one fill to the strategy's fill log. The log is
// line-delimited JSON; appends are durable per line but not fsynced.
func (s *Store) AppendFill(f types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "fills_"+f.StrategyID+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open fill log: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(f); err != nil {
		return fmt.Errorf("append fill: %w", err)
	}
	return nil
}

// Fills reads a strategy's full fill log, oldest first.
// Returns an empty slice if no log exists.
func (s *Store) Fills(strategyID string) ([]types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "fills_"+strategyID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open fill log: %w", err)
	}
	defer file.Close()

	var fills []types.Fill
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		var f types.Fill
		if err := json.Unmarshal(sc.Bytes(), &f); err != nil {
			return nil, fmt.Errorf("decode fill log line %d: %w", len(fills)+1, err)
		}
		fills = append(fills, f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read fill log: %w", err)
	}
	return fills, nil
}
