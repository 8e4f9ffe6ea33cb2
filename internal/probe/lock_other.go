//go:build !unix

package probe

import "os"

// Advisory locking is only implemented for unix hosts.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
