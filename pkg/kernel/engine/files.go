package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ormasoftchile/sceneflow/pkg/kernel/schema"
)

// ErrPathEscape is returned for write_file paths outside the output root.
var ErrPathEscape = errors.New("path escapes the output directory")

func doWriteFile(_ context.Context, e *Engine, _ *schema.Step, params any) (Route, error) {
	p := params.(*schema.WriteFileParams)
	path, err := Confine(e.cfg.OutputsDir, p.Filename)
	if err != nil {
		return RouteNext, failWrap(KindAction, err, "write_file")
	}
	if err := appendLine(path, p.Value); err != nil {
		return RouteNext, failWrap(KindAction, err, "write_file %s", p.Filename)
	}
	e.log.Info("file written", "path", path)
	return RouteNext, nil
}

// Confine resolves name under root and rejects absolute names and names that
// leave root after cleaning or after following symlinks. root is created if
// missing.
func Confine(root, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("file name is required")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("absolute path %q is not allowed", name)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve output directory: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if absRoot, err = filepath.EvalSymlinks(absRoot); err != nil {
		return "", fmt.Errorf("resolve output directory: %w", err)
	}

	path := filepath.Join(absRoot, filepath.Clean(name))
	if !within(absRoot, path) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	if !within(absRoot, resolveExisting(path)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolveExisting follows symlinks in the longest existing prefix of path.
func resolveExisting(path string) string {
	var rest []string
	cur := path
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

// appendLine appends text and a newline, first terminating an existing
// unterminated last line.
func appendLine(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := ""
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
			return err
		}
		if last[0] != '\n' && last[0] != '\r' {
			prefix = "\n"
		}
	}
	_, err = f.WriteString(prefix + text + "\n")
	return err
}
