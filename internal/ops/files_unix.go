//go:build !windows

package ops

import (
	stderrors "errors"
	"os"
	"syscall"
)

// openNoFollow opens path read-only, failing if the last element is a
// symlink. Directory elements are covered by ResolvePath.
func openNoFollow(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return nil, openError(path, err)
	}
	return f, nil
}

func isSymlinkLoop(err error) bool {
	return stderrors.Is(err, syscall.ELOOP)
}
