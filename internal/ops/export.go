package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hpungsan/chatsync/internal/cache"
	"github.com/hpungsan/chatsync/internal/chat"
	"github.com/hpungsan/chatsync/internal/config"
	"github.com/hpungsan/chatsync/internal/errors"
)

// ExportSchemaVersion is written in the header line of every export.
const ExportSchemaVersion = "1.0"

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path     string // optional, default: ~/.chatsync/exports/<platform>-<timestamp>.jsonl
	Platform string // optional filter by platform id
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of a JSONL export file.
type ExportHeader struct {
	ChatsyncExport bool   `json:"_chatsync_export"`
	SchemaVersion  string `json:"schema_version"`
	ExportedAt     int64  `json:"exported_at"`
}

// Export writes the pending cache to a JSONL file, one batch per line after
// the header. An existing file at the destination is only replaced once the
// new one is complete.
func Export(ctx context.Context, c *cache.Cache, cfg *config.Config, in ExportInput) (*ExportOutput, error) {
	now := time.Now()

	path := in.Path
	if path == "" {
		dir, err := exportsDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, exportName(in.Platform, now))
	}
	dest, err := ResolvePath(path, ExportFile, cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("create export directory: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("create export file: %w", err))
	}
	count, err := writeExport(ctx, tmp, c, in.Platform, now)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = errors.NewInternal(fmt.Errorf("close export file: %w", cerr))
	}
	if err == nil {
		err = replaceFile(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	return &ExportOutput{Path: dest, Count: count, ExportedAt: now.Unix()}, nil
}

// writeExport streams the header and every matching batch into f.
func writeExport(ctx context.Context, f *os.File, c *cache.Cache, platform string, now time.Time) (int, error) {
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	header := ExportHeader{ChatsyncExport: true, SchemaVersion: ExportSchemaVersion, ExportedAt: now.Unix()}
	if err := enc.Encode(header); err != nil {
		return 0, errors.NewInternal(err)
	}

	count := 0
	err := c.Stream(ctx, func(b *chat.Batch) error {
		if ctx.Err() != nil {
			return errors.NewCancelled("export")
		}
		if platform != "" && b.Platform != platform {
			return nil
		}
		if err := enc.Encode(b); err != nil {
			return errors.NewInternal(err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, errors.NewInternal(err)
	}
	if err := f.Sync(); err != nil {
		return 0, errors.NewInternal(err)
	}
	return count, nil
}

// replaceFile renames src over dest. Windows cannot rename over an existing
// file, and that case is refused rather than deleting dest first.
func replaceFile(src, dest string) error {
	if info, err := os.Lstat(dest); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return errors.NewInvalidRequest("export path is a symlink")
		}
		if runtime.GOOS == "windows" {
			return errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
		}
	}
	if err := os.Rename(src, dest); err != nil {
		return errors.NewInternal(fmt.Errorf("finalize export: %w", err))
	}
	return nil
}

// exportName is <platform>-<timestamp>.jsonl, or pending-<timestamp>.jsonl
// without a platform filter.
func exportName(platform string, now time.Time) string {
	name := "pending"
	if platform != "" {
		name = filenamePart(platform)
	}
	return name + "-" + now.Format("2006-01-02T150405") + ".jsonl"
}
