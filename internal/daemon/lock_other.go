//go:build !unix

package daemon

import (
	"errors"
	"fmt"
	"os"
)

// instanceLock is an exclusively created pid file. A crash leaves it
// behind; remove it by hand.
type instanceLock struct {
	path string
}

func acquireLock(path string) (*instanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (lock %s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &instanceLock{path: path}, nil
}

func (l *instanceLock) release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
