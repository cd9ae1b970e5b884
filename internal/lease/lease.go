// Package lease provides the process identity used for every lease in the
// system. Sessions, scheduled tasks, and browser rows all stamp the same
// owner string so that operators can trace a lease back to a process.
package lease

import (
	"fmt"
	"os"
	"time"
)

var owner = func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}()

// Owner returns this process's lease identity, "<hostname>-<pid>".
func Owner() string { return owner }

// Expired reports whether a lease expiry has passed. A nil expiry means no
// lease is held and is therefore expired.
func Expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || !expiresAt.After(now)
}
