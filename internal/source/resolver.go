// Package source maps optimization targets to source files of the optimized
// application and performs the file I/O the applier relies on.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/KafClaw/autotune/internal/jsast"
)

// ErrNotFound is returned when no source file matches a target.
var ErrNotFound = errors.New("source: no file for target")

var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"coverage":     true,
}

// Resolver finds the source file of a target: an explicit mapping first,
// then a file in one of the source directories whose base name equals the
// target.
type Resolver struct {
	root     string
	dirs     []string
	explicit map[string]string
}

// NewResolver creates a Resolver rooted at root.
func NewResolver(root string, dirs []string, explicit map[string]string) *Resolver {
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	return &Resolver{root: root, dirs: dirs, explicit: explicit}
}

// Root returns the project root.
func (r *Resolver) Root() string {
	return r.root
}

// Abs resolves p against the project root.
func (r *Resolver) Abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.root, p)
}

// Resolve returns the absolute path of target's source file.
func (r *Resolver) Resolve(target string) (string, error) {
	if p, ok := r.explicit[target]; ok && p != "" {
		abs := r.Abs(p)
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrNotFound, target, err)
		}
		return abs, nil
	}

	var matches []string
	for _, dir := range r.dirs {
		base := r.Abs(dir)
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			ext := filepath.Ext(path)
			if strings.TrimSuffix(d.Name(), ext) == target && extRank(ext) >= 0 {
				matches = append(matches, path)
			}
			return nil
		})
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		ri, rj := extRank(filepath.Ext(matches[i])), extRank(filepath.Ext(matches[j]))
		if ri != rj {
			return ri < rj
		}
		return matches[i] < matches[j]
	})
	return matches[0], nil
}

func extRank(ext string) int {
	for i, e := range jsast.Extensions {
		if e == ext {
			return i
		}
	}
	return -1
}

// Components lists component names (capitalised file stems) under the
// source directories, sorted, at most limit entries.
func (r *Resolver) Components(limit int) []string {
	seen := map[string]bool{}
	for _, dir := range r.dirs {
		_ = filepath.WalkDir(r.Abs(dir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			ext := filepath.Ext(path)
			if ext != ".tsx" && ext != ".jsx" {
				return nil
			}
			stem := strings.TrimSuffix(d.Name(), ext)
			if stem != "" && unicode.IsUpper([]rune(stem)[0]) {
				seen[stem] = true
			}
			return nil
		})
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteAtomic replaces path with data via a temp file and rename, keeping
// the existing file mode.
func WriteAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".autotune-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
