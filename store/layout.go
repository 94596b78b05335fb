package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"

	. "github.com/plexstash/plexstash/pkg/log"
)

// Layout maps download item ids onto the on-disk downloads directory and the
// system-owned assets area for finished HLS bundles.
type Layout struct {
	Root string
	Home string
}

func NewLayout(root string) (*Layout, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolve home dir")
		}
		root = filepath.Join(home, ".plexstash", "downloads")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve downloads dir")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "resolve home dir")
	}
	l := &Layout{Root: root, Home: home}
	if err := os.MkdirAll(l.Root, 0755); err != nil {
		return nil, errors.Wrap(err, "create downloads dir")
	}
	if err := os.MkdirAll(l.AssetsRoot(), 0755); err != nil {
		return nil, errors.Wrap(err, "create assets dir")
	}
	Logger.Debug("storage layout ready", "root", l.Root)
	return l, nil
}

func (l *Layout) IndexPath() string {
	return filepath.Join(l.Root, "index.json")
}

func (l *Layout) ItemDir(id string) string {
	return filepath.Join(l.Root, id)
}

func (l *Layout) EnsureItemDir(id string) (string, error) {
	dir := l.ItemDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "create item dir")
	}
	return dir, nil
}

func (l *Layout) RemoveItem(id string) {
	if err := os.RemoveAll(l.ItemDir(id)); err != nil {
		Logger.Warn("removing item dir failed", "id", id, "err", err)
	}
}

// AssetsRoot is where finished segmented bundles live. Bundles must stay
// where the transfer engine put them, so this sits outside the per-item
// folders.
func (l *Layout) AssetsRoot() string {
	return filepath.Join(l.Home, ".plexstash", "assets")
}

// HomeRelative converts an absolute path into a home-relative one suitable
// for persisting. The platform may relocate the home directory between
// installs, so absolute asset paths go stale.
func (l *Layout) HomeRelative(abs string) string {
	if strings.HasPrefix(abs, l.Home) {
		return strings.TrimPrefix(abs, l.Home)
	}
	return abs
}

// HomeAbsolute re-roots a persisted home-relative path against the current
// home directory.
func (l *Layout) HomeAbsolute(rel string) string {
	return filepath.Join(l.Home, rel)
}

// DirSize walks a directory tree and sums regular file sizes.
func DirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
