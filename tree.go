package ftp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// errNotDirectory is the cause carried by NavigationError when a path
// resolves to something other than a directory.
var errNotDirectory = errors.New("not a directory")

// SortFunc orders a list of remote paths. Implementations must be pure:
// they return a new ordered slice and leave the argument untouched.
type SortFunc func(paths []string) []string

// SortLexical is the default ordering, ascending lexical sort.
func SortLexical(paths []string) []string {
	out := slices.Clone(paths)
	sort.Strings(out)
	return out
}

// ListFiles returns the paths under dir, ordered by sortFn (nil selects
// SortLexical). An empty dir lists the current directory. It fails with
// *NavigationError when dir is not a directory.
//
// Non-recursive calls return the immediate children. Recursive calls walk
// depth-first, re-listing from the server on every call (no caching), and
// return the deduplicated, sorted flattened tree. The context is checked
// between protocol round-trips so large walks can be cancelled; a cancelled
// walk aborts with the context error and reports nothing partial.
func (c *Client) ListFiles(ctx context.Context, dir string, recursive bool, sortFn SortFunc) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	if sortFn == nil {
		sortFn = SortLexical
	}

	ok, err := c.IsDir(dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NavigationError{Path: dir, Err: errNotDirectory}
	}

	if !recursive {
		entries, err := c.List(dir)
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(entries))
		for _, e := range entries {
			paths = append(paths, e.Path)
		}
		return sortFn(paths), nil
	}

	var paths []string
	if err := c.collectTree(ctx, dir, &paths); err != nil {
		return nil, err
	}
	return sortFn(dedupe(paths)), nil
}

// collectTree appends dir's entries depth-first in pre-order: each directory
// path is emitted before its flattened descendants, siblings follow after.
func (c *Client) collectTree(ctx context.Context, dir string, out *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := c.List(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		*out = append(*out, e.Path)
		if e.Kind == KindDirectory {
			if err := c.collectTree(ctx, e.Path, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// dedupe removes duplicate paths, keeping first occurrences. Overlapping
// recursive merges can reintroduce a path more than once.
func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// entryKey builds the composite key a scan maps each entry under.
func entryKey(e *ListingEntry) string {
	return string(e.Kind) + "#" + e.Path
}

// ScanDirectory is the detailed counterpart of ListFiles: it returns full
// listing records keyed by "kind#fullPath". Recursion descends into every
// entry classified as a directory, merging child results under their own
// keys. Keys are unique per scan.
func (c *Client) ScanDirectory(ctx context.Context, dir string, recursive bool) (map[string]*ListingEntry, error) {
	if dir == "" {
		dir = "."
	}

	ok, err := c.IsDir(dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NavigationError{Path: dir, Err: errNotDirectory}
	}

	result := make(map[string]*ListingEntry)
	if err := c.scanInto(ctx, dir, recursive, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) scanInto(ctx context.Context, dir string, recursive bool, result map[string]*ListingEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := c.List(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		result[entryKey(e)] = e
		if recursive && e.Kind == KindDirectory {
			if err := c.scanInto(ctx, e.Path, true, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// DirectorySize sums the reported size of every entry under dir. Link and
// directory entries contribute their listed size as-is; the result reflects
// raw server-reported sizes, not disk usage.
func (c *Client) DirectorySize(ctx context.Context, dir string, recursive bool) (int64, error) {
	entries, err := c.ScanDirectory(ctx, dir, recursive)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// Count counts entries under dir. With an empty kind it counts bare paths
// from ListFiles; otherwise it counts scanned entries of the given kind.
func (c *Client) Count(ctx context.Context, dir string, kind EntryKind, recursive bool) (int, error) {
	if kind == "" {
		paths, err := c.ListFiles(ctx, dir, recursive, nil)
		if err != nil {
			return 0, err
		}
		return len(paths), nil
	}

	entries, err := c.ScanDirectory(ctx, dir, recursive)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n, nil
}

// MakeDir creates a single directory. Creating a path that already resolves
// as a directory fails with *AlreadyExistsError.
func (c *Client) MakeDir(dir string) error {
	ok, err := c.IsDir(dir)
	if err != nil {
		return err
	}
	if ok {
		return &AlreadyExistsError{Path: dir}
	}
	return c.mkd(dir)
}

func (c *Client) mkd(dir string) error {
	_, err := c.expect2xx("MKD", dir)
	return err
}

// MakeDirRecursive creates dir and any missing parents, walking the path
// component by component: probe with CWD, create and enter on failure. The
// original working directory is restored on every exit path.
func (c *Client) MakeDirRecursive(ctx context.Context, dir string) error {
	prev, err := c.CurrentDir()
	if err != nil {
		return err
	}
	defer func() {
		_ = c.ChangeDir(prev)
	}()

	if strings.HasPrefix(dir, "/") {
		if err := c.ChangeDir("/"); err != nil {
			return err
		}
	}

	for _, component := range strings.Split(dir, "/") {
		if component == "" || component == "." {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.ChangeDir(component); err == nil {
			continue
		}
		if err := c.mkd(component); err != nil {
			return fmt.Errorf("failed to create component %q of %q: %w", component, dir, err)
		}
		if err := c.ChangeDir(component); err != nil {
			return err
		}
	}

	return nil
}

// RemoveDir removes a single, empty directory.
func (c *Client) RemoveDir(dir string) error {
	_, err := c.expect2xx("RMD", dir)
	return err
}

// RemoveDirRecursive removes dir and everything beneath it. It fails with
// *NotFoundError when dir is not a directory. Descendants are deleted
// deepest-first (reverse-sorted paths) so no "directory not empty" failures
// occur; the first failure aborts the operation with the offending path.
func (c *Client) RemoveDirRecursive(ctx context.Context, dir string) error {
	ok, err := c.IsDir(dir)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Path: dir}
	}

	scanned, err := c.ScanDirectory(ctx, dir, true)
	if err != nil {
		return err
	}

	entries := make([]*ListingEntry, 0, len(scanned))
	for _, e := range scanned {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path > entries[j].Path })

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Kind == KindDirectory {
			if err := c.RemoveDir(e.Path); err != nil {
				return fmt.Errorf("failed to remove directory %q: %w", e.Path, err)
			}
		} else {
			if err := c.Delete(e.Path); err != nil {
				return err
			}
		}
	}

	return c.RemoveDir(dir)
}

// CleanDir deletes all children of dir without removing dir itself, and
// succeeds only once a fresh listing confirms the directory is empty.
func (c *Client) CleanDir(ctx context.Context, dir string) error {
	if dir == "" {
		dir = "."
	}

	ok, err := c.IsDir(dir)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Path: dir}
	}

	entries, err := c.List(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Kind == KindDirectory {
			if err := c.RemoveDirRecursive(ctx, e.Path); err != nil {
				return err
			}
		} else {
			if err := c.Delete(e.Path); err != nil {
				return err
			}
		}
	}

	remaining, err := c.List(dir)
	if err != nil {
		return err
	}
	if len(remaining) != 0 {
		return fmt.Errorf("ftp: %q not empty after clean: %d entries remain", dir, len(remaining))
	}
	return nil
}

// UploadDir mirrors a local directory tree to the server. Each remote
// directory is created (when a probe fails) before its contents are
// uploaded; no other ordering is guaranteed. Symlinks are skipped.
func (c *Client) UploadDir(ctx context.Context, localDir, remoteDir string, mode TransferMode) error {
	ok, err := c.IsDir(remoteDir)
	if err != nil {
		return err
	}
	if !ok {
		if err := c.MakeDirRecursive(ctx, remoteDir); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return fmt.Errorf("failed to read local directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		localPath := filepath.Join(localDir, entry.Name())
		remotePath := joinRemote(remoteDir, entry.Name())

		switch {
		case entry.IsDir():
			if err := c.UploadDir(ctx, localPath, remotePath, mode); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := c.UploadFile(localPath, remotePath, mode); err != nil {
				return err
			}
		default:
			// symlinks and special files are not mirrored
		}
	}

	return nil
}

// WalkFunc is called for each entry visited by Walk. Returning SkipDir from
// a directory callback skips that directory's contents.
type WalkFunc func(path string, entry *ListingEntry, err error) error

// SkipDir is the WalkFunc return value that skips a directory.
var SkipDir = filepath.SkipDir

// Walk walks the remote tree rooted at root in pre-order, calling fn for
// root and every descendant. Symbolic links are not followed.
func (c *Client) Walk(ctx context.Context, root string, fn WalkFunc) error {
	cleanRoot := path.Clean(root)
	rootEntry := &ListingEntry{
		Name: path.Base(cleanRoot),
		Path: cleanRoot,
		Kind: KindDirectory,
	}
	return c.walk(ctx, cleanRoot, rootEntry, fn)
}

func (c *Client) walk(ctx context.Context, p string, entry *ListingEntry, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(p, entry, nil); err != nil {
		if entry.Kind == KindDirectory && errors.Is(err, SkipDir) {
			return nil
		}
		return err
	}

	if entry.Kind != KindDirectory {
		return nil
	}

	entries, err := c.List(p)
	if err != nil {
		return fn(p, entry, err)
	}

	for _, e := range entries {
		if err := c.walk(ctx, e.Path, e, fn); err != nil {
			if errors.Is(err, SkipDir) {
				continue
			}
			return err
		}
	}
	return nil
}

// DownloadDir mirrors a remote directory tree into localDir.
func (c *Client) DownloadDir(ctx context.Context, remoteDir, localDir string, mode TransferMode) error {
	ok, err := c.IsDir(remoteDir)
	if err != nil {
		return err
	}
	if !ok {
		return &NavigationError{Path: remoteDir, Err: errNotDirectory}
	}

	cleanRemote := path.Clean(remoteDir)
	return c.Walk(ctx, cleanRemote, func(p string, e *ListingEntry, err error) error {
		if err != nil {
			return err
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(p, cleanRemote), "/")
		target := filepath.Join(localDir, filepath.FromSlash(rel))

		switch e.Kind {
		case KindDirectory:
			return os.MkdirAll(target, 0o755)
		case KindFile:
			return c.DownloadFile(p, target, mode)
		default:
			// links and unknown entries are not materialized locally
			return nil
		}
	})
}
