package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBuildParseSessionKey(t *testing.T) {
	tests := []struct {
		agentID   string
		channelID string
		want      string
	}{
		{"default", "discord-1234", "agent:default:session:discord-1234"},
		{"a", "c", "agent:a:session:c"},
	}
	for _, tt := range tests {
		key := BuildSessionKey(tt.agentID, tt.channelID)
		if key != tt.want {
			t.Errorf("BuildSessionKey = %q, want %q", key, tt.want)
		}
		agentID, csid := ParseSessionKey(key)
		if agentID != tt.agentID || csid != tt.channelID {
			t.Errorf("ParseSessionKey(%q) = %q, %q", key, agentID, csid)
		}
	}

	if a, c := ParseSessionKey("bogus"); a != "" || c != "" {
		t.Error("malformed key should parse to empty")
	}
	if a, c := ParseSessionKey("agent:x:other:y"); a != "" || c != "" {
		t.Error("non-session key should parse to empty")
	}
}

func TestCreate_KeyUniqueness(t *testing.T) {
	m := NewManager("", 50)
	s1, err := m.Create("default", "u1", "c1", "cs1")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Create("default", "u2", "c1", "cs1")
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID != s2.ID {
		t.Error("same composite key should resolve to the same session")
	}

	got, err := m.GetBySessionKey("agent:default:session:cs1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != s1.ID {
		t.Error("GetBySessionKey mismatch")
	}
}

func TestAppendEntry_MonotonicTimestamps(t *testing.T) {
	m := NewManager("", 50)
	s, _ := m.Create("default", "u1", "c1", "cs1")

	later := time.Now().UTC().Add(time.Hour)
	m.AppendEntry(s.ID, Entry{Type: "user", Content: "first", Timestamp: later})
	m.AppendEntry(s.ID, Entry{Type: "result", Content: "second"}) // now < later

	entries, err := m.Entries(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[1].Timestamp.Before(entries[0].Timestamp) {
		t.Error("timestamps must be non-decreasing")
	}
}

func TestAppendEntry_DurableJSONL(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 50)
	s, _ := m.Create("default", "u1", "c1", "cs1")
	if err := m.SaveMeta(s.ID); err != nil {
		t.Fatal(err)
	}
	m.AppendEntry(s.ID, Entry{Type: "user", Content: "hello"})
	m.AppendEntry(s.ID, Entry{Type: "result", Output: "done"})

	data, err := os.ReadFile(filepath.Join(dir, s.ID+".jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	// Restart: sessions and entries come back.
	m2 := NewManager(dir, 50)
	got, err := m2.GetBySessionKey(s.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 2 {
		t.Errorf("got %d entries after reload, want 2", len(got.Entries))
	}
	if got.Entries[0].Content != "hello" {
		t.Errorf("entry content = %q", got.Entries[0].Content)
	}
}

func TestCompact_KeepsLastAndOrder(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 5)
	s, _ := m.Create("default", "u1", "c1", "cs1")
	for i := 0; i < 12; i++ {
		m.AppendEntry(s.ID, Entry{Type: "user", Content: string(rune('a' + i))})
	}

	if err := m.Compact(s.ID); err != nil {
		t.Fatal(err)
	}
	entries, _ := m.Entries(s.ID)
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i := 0; i < 5; i++ {
		want := string(rune('a' + 7 + i))
		if entries[i].Content != want {
			t.Errorf("entry[%d] = %q, want %q (order broken)", i, entries[i].Content, want)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.Before(entries[i-1].Timestamp) {
			t.Error("compaction broke timestamp monotonicity")
		}
	}

	// File rewritten too.
	data, _ := os.ReadFile(filepath.Join(dir, s.ID+".jsonl"))
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Errorf("file has %d lines, want 5", len(lines))
	}
}

func TestList_Pagination(t *testing.T) {
	m := NewManager("", 50)
	for i := 0; i < 7; i++ {
		m.Create("default", "u1", "c1", string(rune('a'+i)))
	}

	page := m.List("default", 3, 0)
	if len(page) != 3 {
		t.Errorf("page size = %d, want 3", len(page))
	}
	rest := m.List("default", 3, 6)
	if len(rest) != 1 {
		t.Errorf("tail page = %d, want 1", len(rest))
	}
	empty := m.List("default", 3, 100)
	if len(empty) != 0 {
		t.Errorf("past-end offset should be empty")
	}

	// Clamp
	huge := m.List("default", 100000, 0)
	if len(huge) != 7 {
		t.Errorf("got %d, want all 7", len(huge))
	}
	if m.List("other-agent", 0, 0) == nil {
		// nil slice is fine, just must be empty
	}
}

func TestDeleteAndReset(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 50)
	s, _ := m.Create("default", "u1", "c1", "cs1")
	m.AppendEntry(s.ID, Entry{Type: "user", Content: "x"})

	if err := m.Reset(s.ID); err != nil {
		t.Fatal(err)
	}
	entries, _ := m.Entries(s.ID)
	if len(entries) != 0 {
		t.Error("reset left entries behind")
	}

	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(dir, s.ID+".jsonl")); !os.IsNotExist(err) {
		t.Error("session file not removed")
	}
	if err := m.Delete(s.ID); err != ErrNotFound {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestAppendEntry_ConcurrentFileOrder(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 1000)
	s, err := m.Create("default", "u1", "c1", "cs1")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := m.AppendEntry(s.ID, Entry{Type: "user", Content: fmt.Sprintf("g%d-%d", g, i)}); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	mem, err := m.Entries(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	disk, err := readJSONL(filepath.Join(dir, s.ID+".jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(disk) != len(mem) {
		t.Fatalf("file has %d entries, memory has %d", len(disk), len(mem))
	}
	// The file lines must land in the same order as the in-memory log.
	for i := range mem {
		if disk[i].Content != mem[i].Content {
			t.Fatalf("entry %d: file %q, memory %q", i, disk[i].Content, mem[i].Content)
		}
	}
}
