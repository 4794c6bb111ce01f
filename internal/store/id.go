package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// generatePrefixedID creates a globally unique ID in the format:
//
//	{prefix}_{unix_nano}_{12_hex_chars}
//
// The 12 hex characters are derived from 6 cryptographically random bytes,
// giving 48 bits of randomness to avoid collisions at the same nanosecond.
// If crypto/rand fails, the ID omits the random suffix and relies on the
// nanosecond timestamp alone (acceptable for CLI-scale usage).
func generatePrefixedID(prefix string) string {
	timestamp := time.Now().UnixNano()

	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s_%d", prefix, timestamp)
	}

	return fmt.Sprintf("%s_%d_%s", prefix, timestamp, hex.EncodeToString(b[:]))
}

// generateDisplayID creates a short human-facing identifier for a task
// (e.g. "TASK-9F3A2C1B"), distinct from the sortable internal ID used as the
// primary key. Shown in CLI output and commit messages.
func generateDisplayID() string {
	id := uuid.New()
	return "TASK-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// generateID creates a globally unique ID for a new-domain entity (session,
// change plan, knowledge item, lock subscription) using uuid v4, matching
// the convention new components adopt in place of the prefixed-timestamp
// scheme used by the original task/project/artifact ID generators.
func generateID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}
