package memory

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{2, 0}, []float32{5, 0}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"dimension mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRankBySimilarity(t *testing.T) {
	query := []float32{1, 0}
	history := []Entry{
		{Message: "far", Vector: []float32{0, 1}},
		{Message: "near", Vector: []float32{1, 0.1}},
		{Message: "exact", Vector: []float32{1, 0}},
	}

	top := RankBySimilarity(query, history, 2)
	if len(top) != 2 {
		t.Fatalf("got %d entries, want 2", len(top))
	}
	if top[0].Message != "exact" || top[1].Message != "near" {
		t.Errorf("ranking = [%s %s], want [exact near]", top[0].Message, top[1].Message)
	}
}

func TestRankBySimilarityKExceedsHistory(t *testing.T) {
	top := RankBySimilarity([]float32{1}, []Entry{{Message: "only", Vector: []float32{1}}}, 10)
	if len(top) != 1 {
		t.Fatalf("got %d entries, want 1", len(top))
	}
}

func TestLogAppendLoadOrder(t *testing.T) {
	log, err := NewLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i, text := range []string{"first", "second", "third"} {
		entry := NewEntry("alice", text, []float32{1}, base.Add(time.Duration(i)*time.Second))
		if err := log.Append(entry); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Message, want)
		}
	}
}

func TestLogSkipsUnreadableEntries(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append(NewEntry("alice", "good", []float32{1}, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "log_0.000001_corrupt.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "good" {
		t.Errorf("entries = %+v, want just the valid one", entries)
	}
}

func TestNotesHistory(t *testing.T) {
	h := NewNotesHistory(3)

	if _, ok := h.Previous(); ok {
		t.Error("Previous on empty history should report none")
	}

	h.Add("one")
	if _, ok := h.Previous(); ok {
		t.Error("single note has no previous")
	}

	h.Add("two")
	if prev, ok := h.Previous(); !ok || prev != "one" {
		t.Errorf("Previous = %q/%v, want one/true", prev, ok)
	}

	h.Add("three")
	h.Add("four") // evicts "one"
	if prev, ok := h.Previous(); !ok || prev != "three" {
		t.Errorf("Previous after eviction = %q/%v, want three/true", prev, ok)
	}
}
