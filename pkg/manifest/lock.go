package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LockFile sits next to the manifest while a dispatcher owns the run.
const LockFile = "pifan.lock"

// ErrLocked is returned when another live process owns the run directory.
var ErrLocked = errors.New("run directory is in use")

// Lock claims dir for this process. A lock left behind by a dead process is
// taken over. The returned release removes the lock.
func Lock(dir string) (release func(), err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if pid, alive := Owner(dir); alive && pid != os.Getpid() {
		return nil, fmt.Errorf("%w: %s is held by pid %d", ErrLocked, dir, pid)
	}

	path := filepath.Join(dir, LockFile)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write lockfile: %w", err)
	}
	return func() { os.Remove(path) }, nil
}

// Owner returns the pid recorded in dir's lock and whether that process is
// still running. pid is 0 when there is no readable lock.
func Owner(dir string) (pid int, alive bool) {
	data, err := os.ReadFile(filepath.Join(dir, LockFile))
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}
