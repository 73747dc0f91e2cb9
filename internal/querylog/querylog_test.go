package querylog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRecord_Format(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "query_response_log.txt")
	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Record("when does the office open?", "At 9am."); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	want := "Query: when does the office open?\nResponse: At 9am.\n" + strings.Repeat("-", 70) + "\n"
	if string(data) != want {
		t.Errorf("log content = %q, want %q", data, want)
	}
}

func TestRecord_Appends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log.txt")
	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_ = l.Record("first", "one")
	_ = l.Record("second", "two")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := strings.Count(string(data), separator+"\n"); got != 2 {
		t.Errorf("separator count = %d, want 2", got)
	}
	if !strings.Contains(string(data), "Query: first") || !strings.Contains(string(data), "Query: second") {
		t.Error("entries missing from appended log")
	}
}

func TestRecord_ConcurrentWritesDoNotInterleave(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log.txt")
	l, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record("q", "r")
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 60 {
		t.Fatalf("line count = %d, want 60", len(lines))
	}
	for i := 0; i < len(lines); i += 3 {
		if lines[i] != "Query: q" || lines[i+1] != "Response: r" || lines[i+2] != separator {
			t.Fatalf("entry at line %d interleaved: %q %q %q", i, lines[i], lines[i+1], lines[i+2])
		}
	}
}

func TestNew_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty path")
	}
}
