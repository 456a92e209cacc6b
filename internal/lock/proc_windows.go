//go:build windows

package lock

import "os"

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// FindProcess always succeeds on Windows; treat an unverifiable holder
	// as alive so the lock is never reclaimed under a live process.
	_, err := os.FindProcess(pid)
	return err == nil
}

func terminateProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
