//go:build !unix

package lockfile

import "os"

// Without flock the lock is advisory only: it records the pid but does not
// exclude a second process.
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
