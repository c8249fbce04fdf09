// Package store owns the on-disk representation of per-guild state. The whole
// state table is serialized as one indented JSON document keyed by guild ID,
// written via a temp file and rename so a concurrent reader never observes a
// partially written document.
//
// Durability model: the table is flushed on a fixed interval and on orderly
// shutdown. A crash between a mutation and the next flush loses that mutation;
// quota-critical mutations avoid the window by calling Flush write-through.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/threadkeeper/internal/observability"
	"github.com/haasonsaas/threadkeeper/pkg/models"
)

// State is the process-wide table of guild state, keyed by guild ID.
type State map[string]*models.GuildState

// Store holds the authoritative in-memory state and its file location.
// All access goes through View and Update so readers and writers are
// serialized against the flush path.
type Store struct {
	path    string
	logger  *observability.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	state State

	// flushMu serializes whole flushes, marshal through rename. Without it
	// a flush holding an older snapshot could rename over a newer one.
	flushMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records flush outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open loads the state file at path, creating an empty schema-valid document
// if it does not exist. A missing file is not an error; any other read or
// decode failure is.
func Open(path string, logger *observability.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.With("component", "store"),
		state:  make(State),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.logger.Info(context.Background(), "state file absent, initializing", "path", path)
		if err := s.Flush(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", path, err)
	}
	if s.state == nil {
		s.state = make(State)
	}
	for _, gs := range s.state {
		normalize(gs)
	}

	s.logger.Info(context.Background(), "state loaded", "path", path, "guilds", len(s.state))
	return s, nil
}

// normalize repairs nil maps from permissively read documents.
func normalize(gs *models.GuildState) {
	if gs.UserThreads == nil {
		gs.UserThreads = make(map[string][]models.ThreadRecord)
	}
	if gs.OverflowCounts == nil {
		gs.OverflowCounts = make(map[string]int)
	}
	if gs.Images == nil {
		gs.Images = make(map[string]models.ImageRecord)
	}
}

// View runs fn with read access to a guild's state. The guild record is
// created on first access so callers never see nil.
func (s *Store) View(guildID string, fn func(*models.GuildState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.guildLocked(guildID))
}

// Update runs fn with write access to a guild's state. The mutation is
// buffered until the next flush; call Flush afterwards for write-through
// semantics.
func (s *Store) Update(guildID string, fn func(*models.GuildState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.guildLocked(guildID))
}

func (s *Store) guildLocked(guildID string) *models.GuildState {
	gs, ok := s.state[guildID]
	if !ok {
		gs = models.NewGuildState()
		s.state[guildID] = gs
	}
	return gs
}

// Flush serializes the full state to disk atomically. A failed flush leaves
// the previous document intact and the in-memory state authoritative.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "    ")
	s.mu.Unlock()
	if err != nil {
		s.recordFlush("error")
		return fmt.Errorf("store: encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		s.recordFlush("error")
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.recordFlush("error")
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.recordFlush("error")
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		s.recordFlush("error")
		return fmt.Errorf("store: rename into place: %w", err)
	}

	s.recordFlush("success")
	return nil
}

func (s *Store) recordFlush(status string) {
	if s.metrics != nil {
		s.metrics.StoreFlushes.WithLabelValues(status).Inc()
	}
}

// AutosaveLoop flushes on every tick until ctx is cancelled, then performs a
// final flush. Flush errors are logged; the in-memory state stays
// authoritative until the next successful flush.
func (s *Store) AutosaveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Error(context.Background(), "final flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error(ctx, "autosave flush failed", "error", err)
			}
		}
	}
}
