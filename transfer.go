package sitedeploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
)

// ProgressFunc receives one callback per transferred unit (a file for the
// SFTP strategy, a batch archive for the others). Rendering is the caller's
// concern; the engine only reports.
type ProgressFunc func(entry FileEntry, index, total int)

// TransferStrategy moves a change set to the target directory. Strategies
// must not assume exclusive access to targetDir beyond what the release
// layer already guarantees.
type TransferStrategy interface {
	Upload(ctx context.Context, cs ChangeSet, localDir, targetDir string, sess RemoteSession) error
}

// mkdirChunkSize bounds how many directory arguments are packed into one
// remote mkdir invocation, keeping the command line well under ARG_MAX.
const mkdirChunkSize = 50

// DirectSFTP uploads each changed file individually over SFTP. Parent
// directories are pre-created in chunked mkdir -p commands so the per-file
// puts do not each pay a round trip for them.
type DirectSFTP struct {
	Progress ProgressFunc
}

// Upload implements TransferStrategy.
func (d *DirectSFTP) Upload(ctx context.Context, cs ChangeSet, localDir, targetDir string, sess RemoteSession) error {
	if len(cs) == 0 {
		return nil
	}

	if err := ensureRemoteDirs(ctx, sess, targetDir, cs); err != nil {
		return err
	}

	for i, entry := range cs {
		localPath := filepath.Join(localDir, filepath.FromSlash(entry.RelPath))
		remotePath := joinRemote(targetDir, entry.RelPath)
		if err := sess.Put(ctx, localPath, remotePath); err != nil {
			if errors.Is(err, ErrSkipped) {
				log.Printf("[WARN] skipped transfer of %s", entry.RelPath)
				continue
			}
			return fmt.Errorf("transfer of %s failed: %w", entry.RelPath, err)
		}
		if d.Progress != nil {
			d.Progress(entry, i+1, len(cs))
		}
	}
	return nil
}

// ensureRemoteDirs creates every remote directory implied by the change set,
// batching several paths per mkdir -p command.
func ensureRemoteDirs(ctx context.Context, sess RemoteSession, targetDir string, cs ChangeSet) error {
	dirs := parentDirs(cs)
	args := make([]string, 0, len(dirs)+1)
	args = append(args, shellQuote(targetDir))
	for _, dir := range dirs {
		args = append(args, shellQuote(joinRemote(targetDir, dir)))
	}

	for start := 0; start < len(args); start += mkdirChunkSize {
		end := start + mkdirChunkSize
		if end > len(args) {
			end = len(args)
		}
		cmd := "mkdir -p " + strings.Join(args[start:end], " ")
		if _, err := sess.Run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to create remote directories: %w", err)
		}
	}
	return nil
}

// strategyFor selects the transfer strategy configured by the profile.
func strategyFor(p *Profile, progress ProgressFunc, dial sessionFactory) TransferStrategy {
	switch p.Transfer {
	case TransferTar:
		return &TarBatch{
			BatchSizeBytes: p.BatchSizeBytes,
			Concurrency:    p.Concurrency,
			Target:         p.Config,
			Dial:           dial,
			Progress:       progress,
		}
	case TransferRelay:
		return &Relay{
			Target:   p.Config,
			RelayCfg: *p.Relay,
			Dial:     dial,
			Progress: progress,
		}
	default:
		return &DirectSFTP{Progress: progress}
	}
}

// sessionFactory opens an additional session to a host. Concurrent tar
// workers and the relay strategy need connections of their own; sessions are
// never shared across workers.
type sessionFactory func(ctx context.Context, config Config) (RemoteSession, error)
