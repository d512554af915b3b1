package store

import "strings"

// lockConflictMarkers are fragments of DuckDB errors raised while another
// handle, possibly in another process, still holds the file in a different mode.
var lockConflictMarkers = []string{
	"could not set lock",
	"conflicting lock",
	"database is locked",
	"different configuration",
	"resource temporarily unavailable",
}

// IsLockConflict reports whether err is a transient file-lock or
// access-mode conflict worth retrying.
func IsLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range lockConflictMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
