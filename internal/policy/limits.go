package policy

import (
	"github.com/munlucky/moonbot/pkg/protocol"
)

// Truncate clips data to the byte cap. The second return reports whether
// clipping happened so callers can set the truncated marker in result meta.
func Truncate(data []byte, maxBytes int64) ([]byte, bool) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if int64(len(data)) <= maxBytes {
		return data, false
	}
	return data[:maxBytes], true
}

// CheckWriteSize rejects payloads over the write cap before any I/O.
func CheckWriteSize(size int64, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if size > maxBytes {
		return violation(protocol.CodeSizeLimit, "payload exceeds the configured size cap")
	}
	return nil
}
