// Package xid mints prefixed identifiers for rows that never show up on a
// receipt, such as user accounts and audit entries. Sale and product rows
// use store-assigned numeric ids instead.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id like "audit-1742890123456789-a1b2c3d4e5f60718". The
// timestamp keeps ids roughly sortable; the random tail makes collisions
// across restarts a non-issue. If the random source fails the timestamp
// alone is used.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
