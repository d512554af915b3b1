//go:build !unix

package lock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCrossProcess(t *testing.T) {
	if CrossProcess() {
		t.Error("no flock on this platform")
	}

	f, err := os.Create(filepath.Join(t.TempDir(), ".writer.lock"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := tryLock(f); err != nil {
		t.Errorf("tryLock: %v", err)
	}
}
