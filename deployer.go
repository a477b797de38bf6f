package sitedeploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Result summarizes one successful deployment run.
type Result struct {
	// Release is the timestamped release name, or "" for in-place runs.
	Release string
	// Target is the remote directory the run uploaded into.
	Target string
	// Uploaded is the number of files in the change set.
	Uploaded int
	// TransferredBytes is the cumulative size of the change set.
	TransferredBytes int64
	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Deployer sequences one deployment run: pre-commands, diff, transfer,
// preserve, finalize, post-commands. It owns the profile for the duration
// of the run.
type Deployer struct {
	Profile Profile

	// Policy governs retries for every remote operation.
	// The zero value means DefaultRetryPolicy.
	Policy RetryPolicy

	// Progress receives transfer progress callbacks, if set.
	Progress ProgressFunc

	// Logger receives run-level log lines. Nil falls back to the standard
	// logger.
	Logger *log.Logger

	// DialFunc overrides session dialing, for tests. Nil dials real SSH
	// sessions.
	DialFunc func(ctx context.Context, config Config) (RemoteSession, error)
}

// policy resolves the retry policy for this run. The run logger wins over
// the policy's own only when one is actually set.
func (d *Deployer) policy() RetryPolicy {
	p := d.Policy.withDefaults()
	if d.Logger != nil {
		p.Logger = d.Logger
	}
	return p
}

func (d *Deployer) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run executes the deployment and returns its result. The first fatal error
// aborts the remaining steps; under the symlink strategy a failure before
// the swap leaves the previously active release untouched and live.
func (d *Deployer) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	profile := d.Profile.WithDefaults()
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	policy := d.policy()

	dial := d.DialFunc
	if dial == nil {
		dial = func(ctx context.Context, config Config) (RemoteSession, error) {
			return Dial(ctx, config, policy)
		}
	}

	sess, err := dial(ctx, profile.Config)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	for _, cmd := range profile.PreCommands {
		d.logf("[INFO] pre-command: %s", cmd)
		if _, err := sess.Run(ctx, cmd); err != nil {
			if errors.Is(err, ErrSkipped) {
				d.logf("[WARN] pre-command skipped: %s", cmd)
				continue
			}
			return nil, fmt.Errorf("pre-command failed: %w", err)
		}
	}

	releases := newReleaseManager(&profile, sess, d.Logger)
	target, err := releases.PrepareTarget(ctx)
	if err != nil {
		return nil, err
	}

	changes, err := ComputeChangeSet(ctx, sess, profile.LocalDir, target)
	if err != nil {
		return nil, err
	}
	d.logf("[INFO] %d file(s) to transfer (%d bytes)", len(changes), changes.TotalSize())

	strategy := strategyFor(&profile, d.Progress, dial)
	if err := strategy.Upload(ctx, changes, profile.LocalDir, target, sess); err != nil {
		return nil, err
	}

	if err := releases.Finalize(ctx, target); err != nil {
		return nil, err
	}

	for _, cmd := range profile.PostCommands {
		d.logf("[INFO] post-command: %s", cmd)
		if _, err := sess.Run(ctx, cmd); err != nil {
			if errors.Is(err, ErrSkipped) {
				d.logf("[WARN] post-command skipped: %s", cmd)
				continue
			}
			return nil, fmt.Errorf("post-command failed: %w", err)
		}
	}

	return &Result{
		Release:          releases.Release(),
		Target:           target,
		Uploaded:         len(changes),
		TransferredBytes: changes.TotalSize(),
		Duration:         time.Since(start),
	}, nil
}
