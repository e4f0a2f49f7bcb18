package approvals

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRequest(id, invocation string, expires time.Time) *Request {
	return &Request{
		ID:           id,
		InvocationID: invocation,
		ToolID:       "system.run",
		SessionID:    "s1",
		Status:       StatusPending,
		UserID:       "u1",
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    expires,
	}
}

// The file names are part of the on-disk layout; renaming them orphans the
// state of existing installs.
func TestStateFileNames(t *testing.T) {
	if PendingFile != "pending-approvals.json" {
		t.Errorf("PendingFile = %q", PendingFile)
	}
	if ExecLedgerFile != "exec-approvals.json" {
		t.Errorf("ExecLedgerFile = %q", ExecLedgerFile)
	}
}

func TestStore_PersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), PendingFile)

	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	req := newTestRequest("approval-abc", "inv1", time.Now().Add(time.Minute))
	if err := s.Add(req); err != nil {
		t.Fatal(err)
	}

	// Simulate restart
	s2, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s2.Get("approval-abc")
	if !ok {
		t.Fatal("request lost across restart")
	}
	if got.InvocationID != "inv1" || got.ToolID != "system.run" || got.Status != StatusPending {
		t.Errorf("fields changed across restart: %+v", got)
	}

	if err := s2.Remove("approval-abc"); err != nil {
		t.Fatal(err)
	}
	s3, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s3.Get("approval-abc"); ok {
		t.Error("removed request still present after restart")
	}
}

func TestStore_UpdateStatusOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-approvals.json")
	s, _ := NewStore(path)
	s.Add(newTestRequest("approval-1", "inv1", time.Now().Add(time.Minute)))

	first, err := s.UpdateStatus("approval-1", StatusApproved, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != StatusApproved || first.RespondedBy != "admin" {
		t.Errorf("first update: %+v", first)
	}

	second, err := s.UpdateStatus("approval-1", StatusRejected, "other")
	if err != ErrAlreadyResolved {
		t.Errorf("second update err = %v, want ErrAlreadyResolved", err)
	}
	if second.Status != StatusApproved {
		t.Errorf("status mutated by failed update: %s", second.Status)
	}

	if _, err := s.UpdateStatus("missing", StatusApproved, "x"); err != ErrNotFound {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestStore_ExpirePending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-approvals.json")
	s, _ := NewStore(path)
	now := time.Now()
	s.Add(newTestRequest("approval-old", "inv1", now.Add(-time.Second)))
	s.Add(newTestRequest("approval-live", "inv2", now.Add(time.Hour)))

	ids := s.ExpirePending(now)
	if len(ids) != 1 || ids[0] != "approval-old" {
		t.Fatalf("expired = %v, want [approval-old]", ids)
	}
	got, _ := s.Get("approval-old")
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	live, _ := s.Get("approval-live")
	if live.Status != StatusPending {
		t.Errorf("live request flipped: %s", live.Status)
	}
}

func TestStore_ListPendingSorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-approvals.json")
	s, _ := NewStore(path)

	base := time.Now().UTC()
	for i, id := range []string{"approval-c", "approval-a", "approval-b"} {
		r := newTestRequest(id, id, base.Add(time.Hour))
		r.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		s.Add(r)
	}

	pending := s.ListPending()
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
			t.Error("pending list not sorted by createdAt")
		}
	}
}

func TestExecLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec-approvals.json")
	l, err := NewExecLedger(path)
	if err != nil {
		t.Fatal(err)
	}

	if got := l.CheckCommand("git status", "/ws"); got != DecisionAsk {
		t.Errorf("unknown command = %s, want ask", got)
	}

	if err := l.Remember("git status"); err != nil {
		t.Fatal(err)
	}
	if got := l.CheckCommand("git status", "/ws"); got != DecisionAllow {
		t.Errorf("remembered command = %s, want allow", got)
	}

	// Reload and verify persistence
	l2, err := NewExecLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := l2.CheckCommand("git status", "/ws"); got != DecisionAllow {
		t.Errorf("after reload = %s, want allow", got)
	}

	l2.data.Denylist.Patterns = []string{`\brm\b`}
	if got := l2.CheckCommand("rm file", "/ws"); got != DecisionDeny {
		t.Errorf("denylisted = %s, want deny", got)
	}
}

func TestApprovalIDPrefix(t *testing.T) {
	// Manager mints ids; verified indirectly in manager tests. Here just the
	// invariant on stored ids.
	path := filepath.Join(t.TempDir(), "pending-approvals.json")
	s, _ := NewStore(path)
	r := newTestRequest("approval-550e8400-e29b-41d4-a716-446655440000", "inv", time.Now().Add(time.Minute))
	s.Add(r)
	got, _ := s.Get(r.ID)
	if !strings.HasPrefix(got.ID, "approval-") {
		t.Errorf("id %q missing approval- prefix", got.ID)
	}
}
