//go:build !unix

package lock

import (
	"errors"
	"fmt"
	"os"
)

// guard falls back to an exclusively created marker file where flock is not
// available.
func guard(path string) (func(), error) {
	f, err := os.OpenFile(path+".lck", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock: create guard: %w", err)
	}
	f.Close()
	return func() { _ = os.Remove(path + ".lck") }, nil
}
