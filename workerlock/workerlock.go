// Package workerlock implements the Worker Lifecycle Mutex: a filesystem
// process-exclusive lock coordinating which process (in-process vs.
// spawned) runs as the active worker, with stale-lock reclamation by
// liveness probe rather than by mtime heuristic alone.
package workerlock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/logger"
)

// StaleMtimeThreshold is the fallback staleness window used only when a
// lock file's pid can't be parsed for a liveness probe.
const StaleMtimeThreshold = 10 * time.Minute

// Lock is a held filesystem exclusive lock recording the owning process id.
type Lock struct {
	path string
}

// Acquire attempts to atomically create the lock file at path. If the file
// already exists, it reads the recorded pid; if that process is not live,
// the stale lock is removed and acquisition retried once. Grounded on the
// teacher's acquireLock/releaseLock (exclusive-create, pid in file body),
// with the mtime-staleness check replaced by an actual pid liveness probe.
func Acquire(path string) (*Lock, bool, error) {
	lock, ok, err := tryCreate(path)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return lock, true, nil
	}

	pid, readErr := readPID(path)
	if readErr != nil {
		// Corrupt lock file: fall back to an mtime heuristic since no pid
		// can be parsed to probe.
		if isStaleByMtime(path) {
			_ = os.Remove(path)
			return tryCreate(path)
		}
		return nil, false, nil
	}

	alive, err := process.PidExists(int32(pid))
	if err != nil {
		logger.Warnw("pid liveness probe failed, treating as held", "pid", pid, "error", err)
		return nil, false, nil
	}
	if alive {
		return nil, false, nil
	}

	logger.Infow("reclaiming stale worker lock", "path", path, "stale_pid", pid)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, false, errors.Wrapf(err, "remove stale lock %s", path)
	}
	return tryCreate(path)
}

func tryCreate(path string) (*Lock, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "create lock file %s", path)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return nil, false, errors.Wrapf(err, "write pid to lock file %s", path)
	}
	return &Lock{path: path}, true, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read lock file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "parse pid from lock file %s", path)
	}
	return pid, nil
}

func isStaleByMtime(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > StaleMtimeThreshold
}

// Release deletes the lock file, freeing it for the next acquirer.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "release lock %s", l.path)
	}
	return nil
}
