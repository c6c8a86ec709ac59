package session

import (
	"errors"
	"fmt"
)

const maxNameLen = 64

var errEmptyName = errors.New("session name is empty")

// ValidateName checks a session name before it becomes a directory under
// sessions/. Names are lowercase ASCII letters, digits, '-' and '_', at most
// 64 bytes, and start with a letter or digit so they never parse as a flag.
func ValidateName(name string) error {
	if name == "" {
		return errEmptyName
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("invalid session name %q: longer than %d characters", name, maxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case (c == '-' || c == '_') && i > 0:
		default:
			return fmt.Errorf("invalid session name %q: unexpected %q at %d", name, c, i)
		}
	}
	return nil
}
