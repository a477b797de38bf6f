package sitedeploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// releaseTimeFormat names release directories: a 14-digit UTC timestamp.
// Descending lexicographic order equals reverse-chronological order.
const releaseTimeFormat = "20060102150405"

var releaseNamePattern = regexp.MustCompile(`^[0-9]{14}$`)

// ReleaseManager decides where a run uploads and finalizes the release
// afterwards: preserved files, the atomic symlink swap, and pruning.
type ReleaseManager struct {
	profile *Profile
	sess    RemoteSession
	logger  *log.Logger

	// now is swapped out in tests.
	now func() time.Time

	release string
}

func newReleaseManager(p *Profile, sess RemoteSession, logger *log.Logger) *ReleaseManager {
	return &ReleaseManager{
		profile: p,
		sess:    sess,
		logger:  logger,
		now:     time.Now,
	}
}

func (rm *ReleaseManager) logf(format string, args ...any) {
	if rm.logger != nil {
		rm.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Release returns the name of the release created by this run, or "" for
// the in-place strategy.
func (rm *ReleaseManager) Release() string {
	return rm.release
}

// PrepareTarget returns the directory this run uploads into, creating it as
// required by the strategy.
func (rm *ReleaseManager) PrepareTarget(ctx context.Context) (string, error) {
	p := rm.profile

	if p.Strategy == StrategySymlink {
		rm.release = rm.now().UTC().Format(releaseTimeFormat)
		target := joinRemote(p.ReleasesDir, rm.release)
		if err := rm.sess.MkdirAll(ctx, target); err != nil {
			return "", fmt.Errorf("failed to create release directory: %w", err)
		}
		return target, nil
	}

	// In-place strategy: the public directory is the target.
	exists := true
	if _, err := rm.sess.Stat(ctx, p.RemoteDir); err != nil {
		exists = false
	}

	switch {
	case exists && p.ArchiveExisting:
		if err := rm.archiveExisting(ctx); err != nil {
			return "", err
		}
		if err := rm.sess.MkdirAll(ctx, p.RemoteDir); err != nil {
			return "", fmt.Errorf("failed to recreate remote directory: %w", err)
		}
	case exists && p.CleanRemote:
		if _, err := rm.sess.Run(ctx, "rm -rf "+shellQuote(p.RemoteDir)); err != nil {
			return "", fmt.Errorf("failed to clean remote directory: %w", err)
		}
		if err := rm.sess.MkdirAll(ctx, p.RemoteDir); err != nil {
			return "", fmt.Errorf("failed to recreate remote directory: %w", err)
		}
	case exists:
		// Merge in place: new files overwrite and add, stragglers stay.
	default:
		if err := rm.sess.MkdirAll(ctx, p.RemoteDir); err != nil {
			return "", fmt.Errorf("failed to create remote directory: %w", err)
		}
	}
	return p.RemoteDir, nil
}

// archiveExisting renames the current remote directory aside, preserving its
// contents under a timestamped name.
func (rm *ReleaseManager) archiveExisting(ctx context.Context) error {
	p := rm.profile

	archiveDir := p.ArchiveDir
	if archiveDir == "" {
		archiveDir = path.Dir(p.RemoteDir)
	}
	if err := rm.sess.MkdirAll(ctx, archiveDir); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	stamp := rm.now().UTC().Format(releaseTimeFormat)
	dest := joinRemote(archiveDir, fmt.Sprintf("%s-%s", path.Base(p.RemoteDir), stamp))
	if err := rm.sess.Rename(ctx, p.RemoteDir, dest); err != nil {
		return fmt.Errorf("failed to archive existing directory: %w", err)
	}
	return nil
}

// Finalize completes a symlink-strategy run: preserved files are carried
// into the new release, the public symlink is atomically repointed, and
// stale releases are pruned. For the in-place strategy it is a no-op.
// Any failure before the swap leaves the previously active release live.
func (rm *ReleaseManager) Finalize(ctx context.Context, target string) error {
	p := rm.profile
	if p.Strategy != StrategySymlink {
		return nil
	}

	if len(p.PreserveFiles) > 0 {
		if err := rm.preserve(ctx, target); err != nil {
			return err
		}
	}

	// ln -sfn replaces the link in one rename, so a reader either sees
	// the old release or the new one, never neither. Guard against
	// RemoteDir being a real directory, where -n would create the link
	// inside it instead of replacing it.
	swap := fmt.Sprintf(
		`if [ -e %[1]s ] && [ ! -L %[1]s ]; then echo "target exists and is not a symlink" >&2; exit 1; fi; ln -sfn %[2]s %[1]s`,
		shellQuote(p.RemoteDir), shellQuote(target))
	if _, err := rm.sess.Run(ctx, swap); err != nil {
		return fmt.Errorf("failed to activate release %s: %w", rm.release, err)
	}

	return rm.prune(ctx)
}

// activeRelease resolves the release the public symlink currently points at,
// falling back to RemoteDir itself if it is not a symlink.
func (rm *ReleaseManager) activeRelease(ctx context.Context) string {
	out, err := rm.sess.Run(ctx, "readlink -f "+shellQuote(rm.profile.RemoteDir))
	if err != nil {
		return rm.profile.RemoteDir
	}
	resolved := strings.TrimSpace(out)
	if resolved == "" {
		return rm.profile.RemoteDir
	}
	return resolved
}

// preserve copies each configured relative path from the preserve source
// (PreserveDir, or the active release) into the new release. An existing
// destination is never overwritten; a missing source is logged and skipped.
func (rm *ReleaseManager) preserve(ctx context.Context, target string) error {
	p := rm.profile

	source := p.PreserveDir
	if source == "" {
		source = rm.activeRelease(ctx)
	}

	for _, entry := range p.PreserveFiles {
		if err := validateRelPath(entry); err != nil {
			return err
		}

		src := joinRemote(source, entry)
		dst := joinRemote(target, entry)

		if _, err := rm.sess.Run(ctx, "test -e "+shellQuote(src)); err != nil {
			var cmdErr *RemoteCommandError
			if errors.As(err, &cmdErr) {
				rm.logf("[WARN] preserve: %s missing under %s, skipping", entry, source)
				continue
			}
			return fmt.Errorf("failed to check preserve source %s: %w", entry, err)
		}

		if _, err := rm.sess.Run(ctx, "test -e "+shellQuote(dst)); err == nil {
			rm.logf("[INFO] preserve: %s already present in new release, keeping it", entry)
			continue
		}

		cp := fmt.Sprintf("mkdir -p %s && cp -a %s %s",
			shellQuote(path.Dir(dst)), shellQuote(src), shellQuote(dst))
		if _, err := rm.sess.Run(ctx, cp); err != nil {
			rm.logf("[WARN] preserve: failed to copy %s: %v", entry, err)
		}
	}
	return nil
}

// prune removes releases beyond the KeepReleases most recent. The release
// created by this run is never pruned.
func (rm *ReleaseManager) prune(ctx context.Context) error {
	p := rm.profile

	infos, err := rm.sess.ReadDir(ctx, p.ReleasesDir)
	if err != nil {
		return fmt.Errorf("failed to list releases: %w", err)
	}

	var names []string
	for _, info := range infos {
		if info.IsDir() && releaseNamePattern.MatchString(info.Name()) {
			names = append(names, info.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for i, name := range names {
		if i < p.KeepReleases || name == rm.release {
			continue
		}
		stale := joinRemote(p.ReleasesDir, name)
		if _, err := rm.sess.Run(ctx, "rm -rf "+shellQuote(stale)); err != nil {
			return fmt.Errorf("failed to prune release %s: %w", name, err)
		}
	}
	return nil
}
