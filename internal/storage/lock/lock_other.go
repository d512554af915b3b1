//go:build !unix

package lock

import "os"

const crossProcess = false

func tryLock(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
