// Package memory is the recall subsystem: it logs each exchange with an
// embedding vector, retrieves the entries most relevant to a new message,
// and condenses them into notes for the prompt. The orchestrator consumes
// it as a black box through the Recall interface.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one logged utterance with its embedding.
type Entry struct {
	UUID       string    `json:"uuid"`
	Speaker    string    `json:"speaker"`
	Message    string    `json:"message"`
	Timestamp  float64   `json:"timestamp"`
	Timestring string    `json:"timestring"`
	Vector     []float32 `json:"vector"`
}

// Recall is the retrieval surface the orchestrator uses.
type Recall interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// FetchRelevant ranks history by similarity to vector and returns the
	// top k entries.
	FetchRelevant(ctx context.Context, vector []float32, history []Entry, k int) ([]Entry, error)

	// Summarize condenses entries into short notes for the prompt.
	Summarize(ctx context.Context, entries []Entry) (string, error)
}

// NewEntry builds a log entry for an utterance at time now.
func NewEntry(speaker, message string, vector []float32, now time.Time) Entry {
	return Entry{
		UUID:       uuid.NewString(),
		Speaker:    speaker,
		Message:    message,
		Timestamp:  float64(now.UnixNano()) / float64(time.Second),
		Timestring: now.Format("Monday, January 2, 2006 at 3:04pm"),
		Vector:     vector,
	}
}

// Cosine returns the cosine similarity of two vectors, or 0 when either has
// zero magnitude or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RankBySimilarity returns the k entries of history most similar to vector,
// most similar first.
func RankBySimilarity(vector []float32, history []Entry, k int) []Entry {
	type scored struct {
		entry Entry
		score float64
	}
	ranked := make([]scored, 0, len(history))
	for _, e := range history {
		ranked = append(ranked, scored{entry: e, score: Cosine(vector, e.Vector)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]Entry, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.entry)
	}
	return out
}

// Log persists entries as one JSON file each under a directory, mirroring
// the conversation transcript the recall ranking runs over.
type Log struct {
	dir string
	mu  sync.Mutex
}

// NewLog creates the log directory if needed.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create log dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

// Append writes one entry.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.MarshalIndent(entry, "", "    ")
	if err != nil {
		return fmt.Errorf("memory: encode entry: %w", err)
	}
	name := fmt.Sprintf("log_%.6f_%s.json", entry.Timestamp, entry.UUID[:8])
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("memory: write entry: %w", err)
	}
	return nil
}

// Load reads all entries ordered oldest first. Unreadable files are skipped;
// the log is advisory, not authoritative.
func (l *Log) Load() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	names, err := filepath.Glob(filepath.Join(l.dir, "log_*.json"))
	if err != nil {
		return nil, fmt.Errorf("memory: list entries: %w", err)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// NotesHistory keeps the rolling window of summarization notes so the prompt
// can carry both current and prior context.
type NotesHistory struct {
	mu    sync.Mutex
	notes []string
	limit int
}

// NewNotesHistory keeps at most limit notes (default 20).
func NewNotesHistory(limit int) *NotesHistory {
	if limit <= 0 {
		limit = 20
	}
	return &NotesHistory{limit: limit}
}

// Add appends notes, evicting the oldest past the limit.
func (h *NotesHistory) Add(notes string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, notes)
	if len(h.notes) > h.limit {
		h.notes = h.notes[len(h.notes)-h.limit:]
	}
}

// Previous returns the second-most-recent notes, if any.
func (h *NotesHistory) Previous() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notes) < 2 {
		return "", false
	}
	return h.notes[len(h.notes)-2], true
}
