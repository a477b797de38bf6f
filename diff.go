package sitedeploy

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
)

// FileEntry describes one regular file by its slash-separated relative path
// and size in bytes. Size is the only change signal; content hashing is out
// of scope, so a same-size content change is invisible to the diff.
type FileEntry struct {
	RelPath string
	Size    int64
}

// ChangeSet is the ordered set of files that need to move this run. Order
// follows the local walk (lexical, deterministic).
type ChangeSet []FileEntry

// TotalSize returns the cumulative byte size of the change set.
func (cs ChangeSet) TotalSize() int64 {
	var total int64
	for _, e := range cs {
		total += e.Size
	}
	return total
}

// ScanLocal walks dir and returns every regular file with its size.
// Relative paths use forward slashes regardless of the host OS.
func ScanLocal(dir string) ([]FileEntry, error) {
	var entries []FileEntry

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get info for %s: %w", rel, err)
		}
		entries = append(entries, FileEntry{
			RelPath: toSlash(rel),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// listRemote issues one recursive listing of dir and returns path→size. A
// missing directory is an empty set, not an error: first deploys and fresh
// release directories have nothing remote yet. Any other failure is fatal.
func listRemote(ctx context.Context, sess RemoteSession, dir string) (map[string]int64, error) {
	// The directory test keeps an absent target from turning into a find
	// error with a non-zero exit.
	cmd := fmt.Sprintf(`if [ -d %[1]s ]; then find %[1]s -type f -printf '%%P|%%s\n'; fi`,
		shellQuote(dir))
	out, err := sess.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("remote listing of %s failed: %w", dir, err)
	}

	sizes := make(map[string]int64)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		// Split on the last pipe: '|' is legal in a file name.
		idx := strings.LastIndex(line, "|")
		if idx < 0 {
			continue
		}
		size, err := strconv.ParseInt(line[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		sizes[line[:idx]] = size
	}
	return sizes, nil
}

// ComputeChangeSet diffs the local tree against one remote listing of
// remoteDir. A local file is included iff no remote file shares its relative
// path or the sizes differ.
func ComputeChangeSet(ctx context.Context, sess RemoteSession, localDir, remoteDir string) (ChangeSet, error) {
	local, err := ScanLocal(localDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", localDir, err)
	}

	remote, err := listRemote(ctx, sess, remoteDir)
	if err != nil {
		return nil, err
	}

	var cs ChangeSet
	for _, entry := range local {
		if size, ok := remote[entry.RelPath]; !ok || size != entry.Size {
			cs = append(cs, entry)
		}
	}
	return cs, nil
}
