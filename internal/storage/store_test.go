package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/example/assembly-panel/internal/domain"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return store
}

func TestDocumentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	path := store.Path("activities", "a1", "activity.json")

	want := testDoc{Name: "general assembly", Count: 3}
	if err := store.WriteDocument(path, want); err != nil {
		t.Fatalf("WriteDocument returned error: %v", err)
	}

	var got testDoc
	exists, err := store.ReadDocument(path, &got)
	if err != nil {
		t.Fatalf("ReadDocument returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected document to exist")
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestReadDocumentAbsentVsCorrupted(t *testing.T) {
	store := newTestStore(t)

	var doc testDoc
	exists, err := store.ReadDocument(store.Path("missing.json"), &doc)
	if err != nil {
		t.Fatalf("absent document must not error, got: %v", err)
	}
	if exists {
		t.Fatal("absent document reported as existing")
	}

	corrupt := store.Path("broken.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	_, err = store.ReadDocument(corrupt, &doc)
	if !domain.IsCorruption(err) {
		t.Fatalf("expected CorruptionError, got: %v", err)
	}
}

func TestIterateEventsExpandsLegacyArrayLines(t *testing.T) {
	store := newTestStore(t)
	path := store.Path("log.jsonl")

	content := `{"n":1}
[{"n":2},{"n":3}]
{"n":4}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	var got []int
	err := store.IterateEvents(path, func(raw json.RawMessage) error {
		var rec struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		got = append(got, rec.N)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateEvents returned error: %v", err)
	}
	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestIterateEventsMissingLogYieldsNothing(t *testing.T) {
	store := newTestStore(t)
	err := store.IterateEvents(store.Path("never-written.jsonl"), func(json.RawMessage) error {
		t.Fatal("callback invoked for missing log")
		return nil
	})
	if err != nil {
		t.Fatalf("missing log must not error, got: %v", err)
	}
}

func TestIterateEventsReportsCorruption(t *testing.T) {
	store := newTestStore(t)
	path := store.Path("bad.jsonl")
	if err := os.WriteFile(path, []byte("{\"ok\":true}\nnot-json\n"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}
	err := store.IterateEvents(path, func(json.RawMessage) error { return nil })
	if !domain.IsCorruption(err) {
		t.Fatalf("expected CorruptionError, got: %v", err)
	}
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	store := newTestStore(t)
	path := store.Path("events", "checks.jsonl")

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec := map[string]int{"writer": w, "seq": i}
				if err := store.AppendEvent(path, rec); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AppendEvent returned error: %v", err)
	}

	var count int
	err := store.IterateEvents(path, func(raw json.RawMessage) error {
		var rec struct {
			Writer *int `json:"writer"`
			Seq    *int `json:"seq"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if rec.Writer == nil || rec.Seq == nil {
			t.Fatalf("partial record observed: %s", raw)
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("IterateEvents returned error: %v", err)
	}
	if count != writers*perWriter {
		t.Fatalf("expected %d records, found %d", writers*perWriter, count)
	}
}

func TestUpdateDocumentSerializesReadModifyWrite(t *testing.T) {
	store := newTestStore(t)
	path := store.Path("counter.json")

	const workers = 6
	const increments = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				var doc testDoc
				err := store.UpdateDocument(path, &doc, func(exists bool) error {
					doc.Count++
					return nil
				})
				if err != nil {
					t.Errorf("UpdateDocument returned error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var doc testDoc
	if _, err := store.ReadDocument(path, &doc); err != nil {
		t.Fatalf("ReadDocument returned error: %v", err)
	}
	if doc.Count != workers*increments {
		t.Fatalf("lost updates: got %d want %d", doc.Count, workers*increments)
	}
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	dir := t.TempDir()
	locks, err := NewLockDir(filepath.Join(dir, ".locks"))
	if err != nil {
		t.Fatalf("NewLockDir returned error: %v", err)
	}

	release, err := locks.Acquire("resource.json", 0)
	if err != nil {
		t.Fatalf("first Acquire returned error: %v", err)
	}
	defer release()

	_, err = locks.Acquire("resource.json", 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got: %v", err)
	}
}

func TestRewriteEventsReplacesLog(t *testing.T) {
	store := newTestStore(t)
	path := store.Path("requests.jsonl")

	if err := store.AppendEvent(path, map[string]string{"id": "a", "state": "pending"}); err != nil {
		t.Fatalf("AppendEvent returned error: %v", err)
	}
	if err := store.RewriteEvents(path, []any{
		map[string]string{"id": "a", "state": "accepted"},
		map[string]string{"id": "b", "state": "pending"},
	}); err != nil {
		t.Fatalf("RewriteEvents returned error: %v", err)
	}

	var states []string
	err := store.IterateEvents(path, func(raw json.RawMessage) error {
		var rec struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		states = append(states, rec.State)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateEvents returned error: %v", err)
	}
	if len(states) != 2 || states[0] != "accepted" || states[1] != "pending" {
		t.Fatalf("unexpected rewritten log contents: %v", states)
	}
}
