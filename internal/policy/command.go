package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/munlucky/moonbot/pkg/protocol"
)

// Dangerous command patterns denied regardless of the allowlist.
var defaultDenyPatterns = []*regexp.Regexp{
	// Destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\brm\s+.*--force`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Piped download execution and exfiltration
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),

	// Reverse shells
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bmkfifo\b`),

	// Privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// Dangerous permission changes
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),

	// Loader injection
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bDYLD_INSERT_LIBRARIES\s*=`),
	regexp.MustCompile(`/etc/ld\.so\.preload`),

	// Container escape
	regexp.MustCompile(`/var/run/docker\.sock|docker\.(sock|socket)`),
	regexp.MustCompile(`/proc/sys/(kernel|fs|net)/`),

	// Persistence
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
}

// shellMetachars match characters that change command semantics under a
// shell. Raw-shell commands must not contain them outside quoted regions.
var shellMetachars = regexp.MustCompile("[;&|`$<>]")

// CheckCommand gates an argv-style command. argv[0] must appear on the
// allowlist, the joined command must match no deny pattern, and cwd must be
// a descendant of the workspace root.
func CheckCommand(argv []string, cwd string, bundle Bundle) error {
	if len(argv) == 0 || argv[0] == "" {
		return violation(protocol.CodeInvalidInput, "command is required")
	}

	exe := filepath.Base(argv[0])
	allowed := false
	for _, a := range bundle.Allowlist {
		if a == exe || a == argv[0] {
			allowed = true
			break
		}
	}
	if !allowed {
		return violation(protocol.CodeCommandBlocked, fmt.Sprintf("executable %q is not on the allowlist", exe))
	}

	joined := strings.Join(argv, " ")
	if err := checkDenyPatterns(joined, bundle.Denylist); err != nil {
		return err
	}

	if cwd != "" {
		resolved, err := ResolvePath(cwd, bundle.WorkspaceRoot)
		if err != nil {
			return violation(protocol.CodeCommandBlocked, "working directory outside workspace")
		}
		_ = resolved
	}
	return nil
}

// CheckShellCommand gates a raw shell command string. Raw shell always
// requires approval upstream; here only the deny patterns and unquoted
// metacharacters are enforced.
func CheckShellCommand(command string, bundle Bundle) error {
	if strings.TrimSpace(command) == "" {
		return violation(protocol.CodeInvalidInput, "command is required")
	}
	if err := checkDenyPatterns(command, bundle.Denylist); err != nil {
		return err
	}
	if shellMetachars.MatchString(stripQuotedRegions(command)) {
		return violation(protocol.CodeCommandBlocked, "shell metacharacters are not allowed outside quotes")
	}
	return nil
}

func checkDenyPatterns(command string, extra []string) error {
	for _, pattern := range defaultDenyPatterns {
		if pattern.MatchString(command) {
			return violation(protocol.CodeCommandBlocked, "command denied by safety policy")
		}
	}
	for _, raw := range extra {
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		if re.MatchString(command) {
			return violation(protocol.CodeCommandBlocked, "command denied by configured policy")
		}
	}
	return nil
}

// stripQuotedRegions removes single- and double-quoted spans so metachar
// checks only see the unquoted remainder. Backslash escapes are honored
// inside double quotes.
func stripQuotedRegions(s string) string {
	var out strings.Builder
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case quote == '"' && c == '\\':
			escaped = true
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}
