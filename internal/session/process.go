package session

import "os"

// findProcess wraps os.FindProcess so Cancel has a single indirection point
// (tests can't easily fake os.FindProcess, but this keeps the call site tidy).
func findProcess(pid int) (*os.Process, error) {
	return os.FindProcess(pid)
}
