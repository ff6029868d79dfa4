package journal

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pghook/pghook/internal/cdc"
	"github.com/pghook/pghook/internal/forward"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "pghook-test.db"))
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	return j
}

func TestJournal(t *testing.T) {
	j := openJournal(t)

	n := &cdc.Notification{
		Channel: "events",
		PID:     4242,
		Payload: `{"table":"orders","action":"INSERT","data":{"id":1}}`,
	}
	event := &cdc.Event{Table: "orders", Action: cdc.ActionInsert}

	t.Run("RecordAndGetFailure", func(t *testing.T) {
		res := &forward.Result{
			URL:        "http://localhost/hook?notification=x",
			StatusCode: 500,
			Attempts:   1,
			Err:        errors.New("webhook returned non-2xx status: 500"),
		}

		if err := j.RecordFailure(n, event, res); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}

		got, err := j.GetFailure(1)
		if err != nil {
			t.Fatalf("GetFailure failed: %v", err)
		}

		if got.Payload != n.Payload {
			t.Errorf("Expected payload %s, got %s", n.Payload, got.Payload)
		}
		if got.Table != "orders" || got.Action != cdc.ActionInsert {
			t.Errorf("Expected orders/INSERT, got %s/%s", got.Table, got.Action)
		}
		if got.StatusCode != 500 {
			t.Errorf("Expected status 500, got %d", got.StatusCode)
		}
		if got.PID != 4242 {
			t.Errorf("Expected pid 4242, got %d", got.PID)
		}
	})

	t.Run("ListFailuresNewestFirst", func(t *testing.T) {
		res := &forward.Result{Attempts: 1, Err: errors.New("connection refused")}
		for i := 0; i < 2; i++ {
			if err := j.RecordFailure(n, nil, res); err != nil {
				t.Fatalf("RecordFailure failed: %v", err)
			}
		}

		entries, err := j.ListFailures(0)
		if err != nil {
			t.Fatalf("ListFailures failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("Expected 3 entries, got %d", len(entries))
		}
		if entries[0].Seq != 3 || entries[2].Seq != 1 {
			t.Errorf("Expected newest first, got seqs %d..%d", entries[0].Seq, entries[2].Seq)
		}
		if entries[0].Table != "" {
			t.Errorf("Expected no table without a decoded event, got %s", entries[0].Table)
		}

		limited, err := j.ListFailures(1)
		if err != nil {
			t.Fatalf("ListFailures failed: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("Expected 1 entry with limit, got %d", len(limited))
		}

		count, err := j.Count()
		if err != nil || count != 3 {
			t.Errorf("Count() = %d, %v; want 3", count, err)
		}
		if _, err := j.LastFailure(); err != nil {
			t.Errorf("LastFailure failed: %v", err)
		}
	})

	t.Run("Purge", func(t *testing.T) {
		removed, err := j.Purge()
		if err != nil {
			t.Fatalf("Purge failed: %v", err)
		}
		if removed != 3 {
			t.Errorf("Expected 3 removed, got %d", removed)
		}

		count, err := j.Count()
		if err != nil || count != 0 {
			t.Errorf("Count() = %d, %v; want 0", count, err)
		}
		if _, err := j.LastFailure(); err == nil {
			t.Error("Expected LastFailure to fail after purge")
		}
	})
}

func TestGetFailureNotFound(t *testing.T) {
	j := openJournal(t)

	if _, err := j.GetFailure(99); err == nil {
		t.Error("Expected error for missing entry")
	}
}

func TestReadOnlyWhileWriterRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pghook-test.db")

	writer, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	reader, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("Failed to open read-only journal: %v", err)
	}

	n := &cdc.Notification{Channel: "events", PID: 1, Payload: `{"table":"orders","action":"INSERT","data":{"id":1}}`}
	res := &forward.Result{Attempts: 1, Err: errors.New("connection refused")}

	const writes = 20
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			if err := writer.RecordFailure(n, nil, res); err != nil {
				errCh <- err
				return
			}
		}
	}()

	for i := 0; i < writes; i++ {
		if _, err := reader.ListFailures(5); err != nil {
			t.Fatalf("ListFailures during writes failed: %v", err)
		}
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		t.Fatalf("RecordFailure during reads failed: %v", err)
	}

	count, err := reader.Count()
	if err != nil || count != writes {
		t.Errorf("Count() = %d, %v; want %d", count, err, writes)
	}

	if _, err := reader.Purge(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly from Purge, got %v", err)
	}
}

func TestOpenReadOnlyMissingFile(t *testing.T) {
	if _, err := OpenReadOnly(filepath.Join(t.TempDir(), "missing.db")); err == nil {
		t.Error("Expected error for missing journal file")
	}
}
