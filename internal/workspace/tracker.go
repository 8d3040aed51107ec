// Package workspace tracks file-system changes in the assignment workspace
// and reports them as created, modified or deleted paths.
package workspace

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/models"
)

// mtimeTolerance is the smallest last-write delta that counts as a change.
const mtimeTolerance = 500 * time.Millisecond

// DefaultIgnoreDirs are directory names never descended into.
var DefaultIgnoreDirs = []string{".git", ".svn", ".hg", ".vs", ".agent", "bin", "obj", "node_modules"}

// DefaultIgnoreExts are file extensions never tracked.
var DefaultIgnoreExts = []string{".dll", ".exe", ".pdb", ".tmp", ".log"}

// ChangeType classifies a path between two snapshots.
type ChangeType string

const (
	Created  ChangeType = "created"
	Modified ChangeType = "modified"
	Deleted  ChangeType = "deleted"
)

// FactKind maps a change to the blackboard fact kind it produces.
func (c ChangeType) FactKind() models.FactKind {
	switch c {
	case Created:
		return models.FactFileCreated
	case Deleted:
		return models.FactFileDeleted
	default:
		return models.FactFileUpdated
	}
}

// Change is one classified path. Path is workspace-relative with forward slashes.
type Change struct {
	Path string
	Type ChangeType
}

// Signature identifies a file version without hashing its content.
type Signature struct {
	Size    int64
	ModTime time.Time
}

// Equal compares sizes exactly and write times within the tolerance.
func (s Signature) Equal(o Signature) bool {
	if s.Size != o.Size {
		return false
	}
	d := s.ModTime.Sub(o.ModTime)
	if d < 0 {
		d = -d
	}
	return d < mtimeTolerance
}

// Options configures what the tracker skips.
type Options struct {
	IgnoreDirs  []string `yaml:"ignore_dirs"`
	IgnoreExts  []string `yaml:"ignore_exts"`
	IgnoreGlobs []string `yaml:"ignore_globs"`
}

// DefaultOptions returns the built-in skip lists.
func DefaultOptions() Options {
	return Options{
		IgnoreDirs: append([]string(nil), DefaultIgnoreDirs...),
		IgnoreExts: append([]string(nil), DefaultIgnoreExts...),
	}
}

// Tracker keeps the last snapshot of a workspace.
type Tracker struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger

	ignoreDirs  map[string]struct{}
	ignoreExts  map[string]struct{}
	ignoreGlobs []string

	mu       sync.Mutex
	baseline map[string]Signature
}

// New creates a tracker for root on fs. A nil fs means the OS file system.
func New(fs afero.Fs, root string, opts Options, logger *zap.Logger) (*Tracker, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, g := range opts.IgnoreGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid ignore glob %q", g)
		}
	}
	t := &Tracker{
		fs:          fs,
		root:        root,
		logger:      logger,
		ignoreDirs:  make(map[string]struct{}),
		ignoreExts:  make(map[string]struct{}),
		ignoreGlobs: opts.IgnoreGlobs,
		baseline:    make(map[string]Signature),
	}
	for _, d := range opts.IgnoreDirs {
		t.ignoreDirs[strings.ToLower(d)] = struct{}{}
	}
	for _, e := range opts.IgnoreExts {
		t.ignoreExts[strings.ToLower(e)] = struct{}{}
	}
	return t, nil
}

// Root returns the tracked directory.
func (t *Tracker) Root() string {
	return t.root
}

// Reset clears state and captures a fresh baseline.
func (t *Tracker) Reset() error {
	snap, err := t.capture()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.baseline = snap
	t.mu.Unlock()
	t.logger.Debug("workspace baseline captured", zap.String("root", t.root), zap.Int("files", len(snap)))
	return nil
}

// Len returns the number of files in the baseline.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.baseline)
}

// DetectChanges recaptures the tree, classifies every path against the
// baseline and makes the new snapshot the baseline.
func (t *Tracker) DetectChanges() ([]Change, error) {
	snap, err := t.capture()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	old := t.baseline
	t.baseline = snap
	t.mu.Unlock()

	var changes []Change
	for p, sig := range snap {
		prev, ok := old[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Type: Created})
		case !prev.Equal(sig):
			changes = append(changes, Change{Path: p, Type: Modified})
		}
	}
	for p := range old {
		if _, ok := snap[p]; !ok {
			changes = append(changes, Change{Path: p, Type: Deleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// capture walks the tree with an explicit stack.
func (t *Tracker) capture() (map[string]Signature, error) {
	snap := make(map[string]Signature)
	if ok, err := afero.DirExists(t.fs, t.root); err != nil || !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkspace, t.root)
	}

	stack := []string{t.root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := afero.ReadDir(t.fs, dir)
		if err != nil {
			// Directories can vanish mid-walk while commands run.
			if os.IsNotExist(err) || os.IsPermission(err) {
				t.logger.Debug("skipping unreadable directory", zap.String("dir", dir), zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}
		for _, info := range entries {
			full := filepath.Join(dir, info.Name())
			rel := t.relative(full)
			if info.IsDir() {
				if t.skipDir(info.Name(), rel) {
					continue
				}
				stack = append(stack, full)
				continue
			}
			if !info.Mode().IsRegular() || t.skipFile(info.Name(), rel) {
				continue
			}
			snap[rel] = Signature{Size: info.Size(), ModTime: info.ModTime()}
		}
	}
	return snap, nil
}

func (t *Tracker) relative(full string) string {
	rel, err := filepath.Rel(t.root, full)
	if err != nil {
		rel = full
	}
	return filepath.ToSlash(rel)
}

func (t *Tracker) skipDir(name, rel string) bool {
	if _, ok := t.ignoreDirs[strings.ToLower(name)]; ok {
		return true
	}
	return t.matchGlob(rel)
}

func (t *Tracker) skipFile(name, rel string) bool {
	if _, ok := t.ignoreExts[strings.ToLower(path.Ext(name))]; ok {
		return true
	}
	return t.matchGlob(rel)
}

func (t *Tracker) matchGlob(rel string) bool {
	for _, g := range t.ignoreGlobs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
