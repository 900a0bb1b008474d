package ops

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hpungsan/chatsync/internal/config"
	"github.com/hpungsan/chatsync/internal/errors"
)

// FileKind is a class of user-named file that an operation reads or writes.
type FileKind int

const (
	SavedPage  FileKind = iota // read by snapshot
	ExportFile                 // written by export
)

type fileRule struct {
	exts []string
	read bool
}

var fileRules = map[FileKind]fileRule{
	SavedPage:  {exts: []string{".html", ".htm"}, read: true},
	ExportFile: {exts: []string{".jsonl"}},
}

// ResolvePath checks a user-supplied path against the rules for kind and
// returns it in absolute form.
//
// The file must sit directly in ~/.chatsync/exports or in one of
// cfg.AllowedPaths, never in a subdirectory of them, and neither the file
// nor its directory may be a symlink. AllowUnsafePaths lifts the directory
// rule only. Saved pages must already exist as regular files.
func ResolvePath(path string, kind FileKind, cfg *config.Config) (string, error) {
	rule, ok := fileRules[kind]
	if !ok {
		return "", errors.NewInternal(fmt.Errorf("unknown file kind %d", kind))
	}
	if path == "" {
		return "", errors.NewInvalidRequest("path is required")
	}
	if hasDotDot(path) {
		return "", errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}
	if ext := strings.ToLower(filepath.Ext(path)); !slices.Contains(rule.exts, ext) {
		return "", errors.NewInvalidRequest(fmt.Sprintf("path must have %s extension", strings.Join(rule.exts, " or ")))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}

	if cfg == nil || !cfg.AllowUnsafePaths {
		if err := checkParent(filepath.Dir(abs), cfg); err != nil {
			return "", err
		}
	}

	info, err := os.Lstat(abs)
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		if rule.read {
			return "", errors.NewFileNotFound(path)
		}
		return abs, nil
	case err != nil:
		return "", errors.NewInvalidRequest(fmt.Sprintf("cannot stat %s: %v", path, err))
	case info.Mode()&fs.ModeSymlink != 0:
		return "", errors.NewInvalidRequest("path must not be a symlink")
	case info.IsDir():
		return "", errors.NewInvalidRequest("path is a directory")
	case rule.read && !info.Mode().IsRegular():
		return "", errors.NewInvalidRequest("path is not a regular file")
	}
	return abs, nil
}

// checkParent requires dir to be one of the allowed directories itself.
func checkParent(dir string, cfg *config.Config) error {
	allowed, err := allowedDirs(cfg)
	if err != nil {
		return err
	}
	if !slices.Contains(allowed, filepath.Clean(dir)) {
		return errors.NewInvalidRequest(fmt.Sprintf(
			"file must be directly in an allowed directory (no subdirectories); allowed: %v", allowed))
	}
	if info, err := os.Lstat(dir); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return errors.NewInvalidRequest("parent directory must not be a symlink")
	}
	return nil
}

// allowedDirs lists the exports directory and every absolute entry of
// cfg.AllowedPaths. Entries that are symlinks are replaced by their target.
func allowedDirs(cfg *config.Config) ([]string, error) {
	exports, err := exportsDir()
	if err != nil {
		return nil, err
	}
	dirs := []string{exports}
	if cfg != nil {
		for _, p := range cfg.AllowedPaths {
			if !filepath.IsAbs(p) {
				continue
			}
			p = filepath.Clean(p)
			if info, err := os.Lstat(p); err == nil && info.Mode()&fs.ModeSymlink != 0 {
				if p, err = filepath.EvalSymlinks(p); err != nil {
					return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
				}
			}
			dirs = append(dirs, p)
		}
	}
	return dirs, nil
}

// exportsDir is ~/.chatsync/exports.
func exportsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewInternal(fmt.Errorf("home directory: %w", err))
	}
	return filepath.Join(home, ".chatsync", "exports"), nil
}

// hasDotDot reports whether any element of path, split on either slash, is "..".
func hasDotDot(path string) bool {
	parts := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == filepath.Separator
	})
	return slices.Contains(parts, "..")
}

// filenamePart lowercases s and keeps only letters, digits and underscores;
// every other run of characters becomes a single dash.
func filenamePart(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "unnamed"
	}
	return out
}

// openError maps a failed open to the error surfaced to callers.
func openError(path string, err error) error {
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return errors.NewFileNotFound(path)
	case isSymlinkLoop(err):
		return errors.NewInvalidRequest("path must not be a symlink")
	}
	return errors.NewInternal(err)
}
