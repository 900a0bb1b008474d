//go:build windows

package ops

import "os"

// openNoFollow opens path read-only. Windows has no O_NOFOLLOW, so the
// symlink check in ResolvePath is the only guard.
func openNoFollow(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	return f, nil
}

func isSymlinkLoop(error) bool { return false }
