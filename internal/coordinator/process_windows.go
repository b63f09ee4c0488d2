//go:build windows

package coordinator

// processExists is unused on Windows: every Windows process skips the
// lockfile-validity check entirely and takes the leader path, since the
// platform's process-existence probe is unreliable here.
func processExists(pid int) bool {
	return true
}
