// Package sessions — session records, composite keys, and the JSONL store.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:session:{channelSessionId}
//
// Example:
//
//	agent:default:session:discord-88412
package sessions

import (
	"fmt"
	"strings"
)

// BuildSessionKey builds the canonical composite key for an agent-scoped
// channel session.
func BuildSessionKey(agentID, channelSessionID string) string {
	return fmt.Sprintf("agent:%s:session:%s", agentID, channelSessionID)
}

// ParseSessionKey extracts the agentID and channelSessionID from a composite
// key. Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, channelSessionID string) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "agent" || parts[2] != "session" {
		return "", ""
	}
	return parts[1], parts[3]
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
