package approvals

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Decision for a command checked against the exec ledger.
const (
	DecisionAllow = "allow"
	DecisionAsk   = "ask"
	DecisionDeny  = "deny"
)

// ExecLedger caches standing exec approvals so repeated commands skip the
// interactive gate. Persisted as exec-approvals.json next to the pending
// store.
type ExecLedger struct {
	mu   sync.Mutex
	path string
	data execLedgerFile
}

type execLedgerFile struct {
	Allowlist execAllowlist `json:"allowlist"`
	Denylist  execDenylist  `json:"denylist"`
}

type execAllowlist struct {
	Commands  []string `json:"commands,omitempty"`
	CwdPrefix string   `json:"cwdPrefix,omitempty"`
}

type execDenylist struct {
	Patterns []string `json:"patterns,omitempty"`
}

// NewExecLedger opens the ledger at path, loading persisted entries.
func NewExecLedger(path string) (*ExecLedger, error) {
	l := &ExecLedger{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read exec ledger: %w", err)
	}
	if err := json.Unmarshal(raw, &l.data); err != nil {
		return nil, fmt.Errorf("parse exec ledger: %w", err)
	}
	return l, nil
}

// CheckCommand classifies a command: deny patterns first, then the cached
// allowlist, otherwise ask.
func (l *ExecLedger) CheckCommand(command, cwd string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, raw := range l.data.Denylist.Patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		if re.MatchString(command) {
			return DecisionDeny
		}
	}

	if l.data.Allowlist.CwdPrefix != "" && !strings.HasPrefix(cwd, l.data.Allowlist.CwdPrefix) {
		return DecisionAsk
	}
	for _, allowed := range l.data.Allowlist.Commands {
		if command == allowed {
			return DecisionAllow
		}
	}
	return DecisionAsk
}

// Remember adds a command to the standing allowlist after an approval with
// the remember flag set.
func (l *ExecLedger) Remember(command string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.data.Allowlist.Commands {
		if existing == command {
			return nil
		}
	}
	l.data.Allowlist.Commands = append(l.data.Allowlist.Commands, command)
	return l.flushLocked()
}

func (l *ExecLedger) flushLocked() error {
	data, err := json.MarshalIndent(&l.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".exec-approvals-*.json")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
