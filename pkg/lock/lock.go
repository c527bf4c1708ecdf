// Package lock provides the per-volume advisory lock that keeps two
// servers from opening the same volume, plus discovery of locally open
// volumes through the lock files it leaves behind.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyOpen means another process holds the volume's lock.
var ErrAlreadyOpen = errors.New("volume is already open")

const prefix = "cumulus"

// ID identifies a volume on this host.
type ID struct {
	Backend string
	Bucket  string
	Volume  string
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Backend, id.Bucket, id.Volume)
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(s)
}

func nodePath(id ID, kind string) string {
	name := fmt.Sprintf("%s:%s:%s:%s:%s",
		prefix, sanitize(id.Backend), sanitize(id.Bucket), sanitize(id.Volume), kind)
	return filepath.Join(os.TempDir(), name)
}

// PIDPath returns the lock file path for a volume.
func PIDPath(id ID) string { return nodePath(id, "pid") }

// StatPath returns the statistics FIFO path for a volume.
func StatPath(id ID) string { return nodePath(id, "stat") }

// Lock is a held volume lock.
type Lock struct {
	id   ID
	file *os.File
}

// Acquire takes the exclusive lock for a volume and records our pid in
// the lock file. Returns ErrAlreadyOpen when another process holds it.
func Acquire(id ID) (*Lock, error) {
	path := PIDPath(id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrAlreadyOpen
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if err := file.Truncate(0); err == nil {
		fmt.Fprintf(file, "%d\n", os.Getpid())
		file.Sync()
	}
	return &Lock{id: id, file: file}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() {
	if l.file == nil {
		return
	}
	os.Remove(PIDPath(l.id))
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
}

// ReadPID reads the pid recorded in a volume's lock file.
func ReadPID(id ID) (int, error) {
	data, err := os.ReadFile(PIDPath(id))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file for %s: %w", id, err)
	}
	return pid, nil
}

// ListOpen scans for lock files of currently open volumes.
func ListOpen() ([]ID, error) {
	pattern := filepath.Join(os.TempDir(), prefix+":*:*:*:pid")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var ids []ID
	for _, m := range matches {
		parts := strings.Split(filepath.Base(m), ":")
		if len(parts) != 5 {
			continue
		}
		ids = append(ids, ID{Backend: parts[1], Bucket: parts[2], Volume: parts[3]})
	}
	return ids, nil
}
