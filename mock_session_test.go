package sitedeploy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeFileInfo implements os.FileInfo for testing.
type fakeFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (m *fakeFileInfo) Name() string       { return m.name }
func (m *fakeFileInfo) Size() int64        { return m.size }
func (m *fakeFileInfo) Mode() os.FileMode  { return m.mode }
func (m *fakeFileInfo) ModTime() time.Time { return m.modTime }
func (m *fakeFileInfo) IsDir() bool        { return m.isDir }
func (m *fakeFileInfo) Sys() any           { return nil }

func dirInfo(name string) os.FileInfo {
	return &fakeFileInfo{name: name, mode: os.ModeDir | 0o755, isDir: true}
}

// fakeSession is an in-memory RemoteSession. Command handling is scripted
// per test through runFn; every operation is recorded for assertions. It is
// safe for concurrent use because tar-batch workers share nothing but the
// job queue and their own fake.
type fakeSession struct {
	mu       sync.Mutex
	commands []string
	puts     map[string]string // remote path -> local source path
	putOrder []string
	mkdirs   []string
	renames  [][2]string
	removed  []string
	closed   bool

	runFn     func(cmd string) (string, error)
	putFn     func(localPath, remotePath string) error
	statFn    func(path string) (os.FileInfo, error)
	readDirFn func(dir string) ([]os.FileInfo, error)
}

func newFakeSession() *fakeSession {
	return &fakeSession{puts: make(map[string]string)}
}

var _ RemoteSession = (*fakeSession)(nil)

func (f *fakeSession) Run(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	fn := f.runFn
	f.mu.Unlock()
	if fn != nil {
		return fn(cmd)
	}
	return "", nil
}

func (f *fakeSession) Put(_ context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	f.puts[remotePath] = localPath
	f.putOrder = append(f.putOrder, remotePath)
	fn := f.putFn
	f.mu.Unlock()
	if fn != nil {
		return fn(localPath, remotePath)
	}
	return nil
}

func (f *fakeSession) MkdirAll(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirs = append(f.mkdirs, dir)
	return nil
}

func (f *fakeSession) Rename(_ context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, [2]string{oldPath, newPath})
	return nil
}

func (f *fakeSession) Remove(_ context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, remotePath)
	return nil
}

func (f *fakeSession) Stat(_ context.Context, remotePath string) (os.FileInfo, error) {
	f.mu.Lock()
	fn := f.statFn
	f.mu.Unlock()
	if fn != nil {
		return fn(remotePath)
	}
	return nil, os.ErrNotExist
}

func (f *fakeSession) ReadDir(_ context.Context, dir string) ([]os.FileInfo, error) {
	f.mu.Lock()
	fn := f.readDirFn
	f.mu.Unlock()
	if fn != nil {
		return fn(dir)
	}
	return nil, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Commands returns a copy of the recorded command log.
func (f *fakeSession) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// cmdFailure builds the error a non-zero remote exit produces.
func cmdFailure(cmd string, status int) error {
	return &RemoteCommandError{Cmd: cmd, ExitStatus: status}
}

// writeTree creates a local directory tree where each map entry is a
// relative path and the size of the file to create there.
func writeTree(t testing.TB, sizes map[string]int) string {
	t.Helper()

	dir := t.TempDir()
	for rel, size := range sizes {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", rel, err)
		}
		content := make([]byte, size)
		for i := range content {
			content[i] = byte('a' + i%26)
		}
		if err := os.WriteFile(p, content, 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
	return dir
}
