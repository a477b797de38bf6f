package sitedeploy

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// Relay transfers the change set through an intermediary host for targets
// the control machine cannot reach directly. One archive of the full change
// set is pushed to the relay, copied relay→target with scp, and extracted by
// a remote ssh command. Every step is fatal on error; only the temp-file
// cleanup is best effort.
type Relay struct {
	Target   Config
	RelayCfg Config
	Dial     sessionFactory
	Progress ProgressFunc

	// Logger receives cleanup warnings. Nil falls back to the standard logger.
	Logger *log.Logger
}

func (r *Relay) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Upload implements TransferStrategy. The provided session is the direct
// target session; the relay opens its own.
func (r *Relay) Upload(ctx context.Context, cs ChangeSet, localDir, targetDir string, _ RemoteSession) error {
	if len(cs) == 0 {
		return nil
	}

	runID := time.Now().UnixNano()
	archiveName := fmt.Sprintf("sitedeploy-%d.tar.gz", runID)

	tmp, err := os.CreateTemp("", "sitedeploy-relay-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create temporary archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeArchive(tmp, localDir, cs); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}

	relay, err := r.Dial(ctx, r.RelayCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to relay host: %w", err)
	}
	defer relay.Close()

	relayArchive := joinRemote("/tmp", archiveName)
	if err := relay.Put(ctx, tmpPath, relayArchive); err != nil {
		return fmt.Errorf("failed to upload archive to relay: %w", err)
	}
	defer r.cleanupRelay(ctx, relay, relayArchive)

	// The relay needs credentials of its own to reach the target. An
	// ephemeral copy of the target key is parked on the relay for the
	// duration of the hop, with its permissions tightened first.
	keyPath, cleanupKey, err := r.stageTargetKey(ctx, relay, runID)
	if err != nil {
		return err
	}
	defer cleanupKey()

	if r.Progress != nil {
		r.Progress(FileEntry{RelPath: archiveName, Size: cs.TotalSize()}, 1, 2)
	}

	target := fmt.Sprintf("%s@%s", r.Target.User, r.Target.Host)
	targetArchive := joinRemote("/tmp", archiveName)

	scpCmd := fmt.Sprintf("scp -i %s -P %d -o StrictHostKeyChecking=no %s %s",
		shellQuote(keyPath), r.Target.Port, shellQuote(relayArchive),
		shellQuote(target+":"+targetArchive))
	if _, err := relay.Run(ctx, scpCmd); err != nil {
		return fmt.Errorf("relay-to-target copy failed: %w", err)
	}

	extract := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s && rm -f %s",
		shellQuote(targetDir), shellQuote(targetArchive), shellQuote(targetDir),
		shellQuote(targetArchive))
	sshCmd := fmt.Sprintf("ssh -i %s -p %d -o StrictHostKeyChecking=no %s %s",
		shellQuote(keyPath), r.Target.Port, shellQuote(target), shellQuote(extract))
	if _, err := relay.Run(ctx, sshCmd); err != nil {
		return fmt.Errorf("remote extraction on target failed: %w", err)
	}

	if r.Progress != nil {
		r.Progress(FileEntry{RelPath: archiveName, Size: cs.TotalSize()}, 2, 2)
	}
	return nil
}

// stageTargetKey copies the target's private key to the relay when the
// target uses key authentication distinct from the relay's own credentials.
// It returns the remote key path and a cleanup function.
func (r *Relay) stageTargetKey(ctx context.Context, relay RemoteSession, runID int64) (string, func(), error) {
	keyData := r.Target.PrivateKey
	if keyData == "" && r.Target.KeyPath != "" {
		data, err := os.ReadFile(ExpandPath(r.Target.KeyPath))
		if err != nil {
			return "", nil, fmt.Errorf("failed to read target key: %w", err)
		}
		keyData = string(data)
	}
	if keyData == "" {
		return "", nil, &ConfigError{Field: "transfer", Reason: "relay transfer requires key authentication on the target"}
	}

	local, err := os.CreateTemp("", "sitedeploy-key-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to stage target key: %w", err)
	}
	localPath := local.Name()
	defer os.Remove(localPath)

	if err := os.Chmod(localPath, 0o600); err != nil {
		local.Close()
		return "", nil, fmt.Errorf("failed to restrict key permissions: %w", err)
	}
	if _, err := local.WriteString(keyData); err != nil {
		local.Close()
		return "", nil, fmt.Errorf("failed to stage target key: %w", err)
	}
	if err := local.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to stage target key: %w", err)
	}

	remoteKey := joinRemote("/tmp", fmt.Sprintf(".sitedeploy-key-%d", runID))
	if err := relay.Put(ctx, localPath, remoteKey); err != nil {
		return "", nil, fmt.Errorf("failed to upload target key to relay: %w", err)
	}
	if _, err := relay.Run(ctx, "chmod 600 "+shellQuote(remoteKey)); err != nil {
		r.cleanupRelay(ctx, relay, remoteKey)
		return "", nil, fmt.Errorf("failed to restrict key permissions on relay: %w", err)
	}

	return remoteKey, func() { r.cleanupRelay(ctx, relay, remoteKey) }, nil
}

// cleanupRelay removes a staged file from the relay. Best effort: the run's
// outcome is already decided by the time cleanup happens.
func (r *Relay) cleanupRelay(ctx context.Context, relay RemoteSession, remotePath string) {
	if _, err := relay.Run(ctx, "rm -f "+shellQuote(remotePath)); err != nil {
		r.logf("[WARN] failed to remove %s from relay: %v", remotePath, err)
	}
}
