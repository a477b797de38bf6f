package sitedeploy

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// joinRemote joins remote path segments with forward slashes, cleaning the
// result. Remote paths are POSIX regardless of the local OS.
func joinRemote(parts ...string) string {
	return path.Join(parts...)
}

// toSlash converts a local relative path to its remote (slash-separated) form.
func toSlash(rel string) string {
	return filepath.ToSlash(rel)
}

// shellQuote escapes s for interpolation into a double-quoted /bin/sh word.
// Backslash, double quote, dollar and backtick are the only characters with
// special meaning inside double quotes.
func shellQuote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// validateRelPath rejects entries that could escape the deployment tree or
// smuggle bytes into a remote command: absolute paths, ".." segments, and
// embedded newline or NUL bytes.
func validateRelPath(entry string) error {
	if entry == "" {
		return &ValidationError{Entry: entry, Reason: "empty path"}
	}
	if strings.HasPrefix(entry, "/") {
		return &ValidationError{Entry: entry, Reason: "absolute path"}
	}
	if strings.ContainsAny(entry, "\n\r\x00") {
		return &ValidationError{Entry: entry, Reason: "control character in path"}
	}
	for _, seg := range strings.Split(entry, "/") {
		if seg == ".." {
			return &ValidationError{Entry: entry, Reason: "path escapes the deployment tree"}
		}
	}
	return nil
}

// parentDirs returns the set of remote directories implied by the change
// set's relative paths, deduplicated and sorted shallow-first. Paths equal
// to "." are omitted.
func parentDirs(entries []FileEntry) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, e := range entries {
		dir := path.Dir(e.RelPath)
		for dir != "." && dir != "/" {
			if _, ok := seen[dir]; ok {
				break
			}
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
			dir = path.Dir(dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}
