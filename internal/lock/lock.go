package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside a session directory.
const FileName = "LOCK"

// LockHeldError is returned when another daemon already owns the session.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session %q already served by PID %d since %s (%s)",
		e.Holder.Session, e.Holder.PID, e.Holder.Since.Format(time.RFC3339), e.Path)
}

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Session string
	Since   time.Time
}

// Lock is an exclusive flock on a session directory. One daemon per session.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the session lock for the named session.
// Returns *LockHeldError if another process already holds it.
func Acquire(sessionDir, sessionName string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, FileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock: %w", err)
		}
		holder, _ := ReadHolder(lockPath)
		return nil, &LockHeldError{Holder: holder, Path: lockPath}
	}

	if err := writeHolder(f, Holder{PID: os.Getpid(), Session: sessionName, Since: time.Now().UTC()}); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	content := fmt.Sprintf("pid=%d\nsession=%s\ntime=%s\n", h.PID, h.Session, h.Since.Format(time.RFC3339))
	_, err := f.WriteString(content)
	return err
}

// ReadHolder parses the lock file at path.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "session":
			h.Session = value
		case "time":
			h.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before close so a stale file never outlives the flock.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
