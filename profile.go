package sitedeploy

import (
	"fmt"
	"os"
	"path"
)

// Strategy selects how the remote target directory is managed.
type Strategy string

const (
	// StrategyInPlace uploads directly into RemoteDir, overwriting files.
	StrategyInPlace Strategy = "inplace"
	// StrategySymlink uploads into a fresh timestamped release directory and
	// atomically repoints the RemoteDir symlink at it.
	StrategySymlink Strategy = "symlink"
)

// Transfer selects the wire strategy used to move the change set.
type Transfer string

const (
	// TransferSFTP puts each changed file individually over SFTP.
	TransferSFTP Transfer = "sftp"
	// TransferTar pushes gzip-tar batches and extracts them remotely.
	TransferTar Transfer = "tar"
	// TransferRelay routes a single archive through an intermediary host.
	TransferRelay Transfer = "relay"
)

// Profile is a fully resolved deployment profile. It is immutable for the
// duration of one run and owned exclusively by the Deployer. Producing it
// (flag/file/environment merging) is the caller's concern.
type Profile struct {
	Config

	// LocalDir is the local directory tree to deploy.
	LocalDir string

	// RemoteDir is the public-facing remote directory. Under the symlink
	// strategy it is a symlink into ReleasesDir.
	RemoteDir string

	Strategy Strategy
	Transfer Transfer

	// BatchSizeBytes bounds the cumulative size of one tar batch.
	// 0 means a single batch containing everything.
	BatchSizeBytes int64

	// Concurrency is the number of parallel tar-batch workers (minimum 1).
	Concurrency int

	// ReleasesDir is the directory holding timestamped releases.
	// Defaults to a "releases" sibling of RemoteDir.
	ReleasesDir string

	// KeepReleases is how many releases survive pruning (minimum 1, default 3).
	KeepReleases int

	// PreserveFiles are relative paths carried forward from the active
	// release into a newly created release.
	PreserveFiles []string

	// PreserveDir optionally overrides the active release as the source of
	// preserved files.
	PreserveDir string

	// ArchiveExisting renames an existing RemoteDir aside before an in-place
	// deployment instead of merging into it.
	ArchiveExisting bool

	// ArchiveDir is where archived copies of RemoteDir are moved.
	// Defaults to the parent of RemoteDir.
	ArchiveDir string

	// CleanRemote removes and recreates RemoteDir before an in-place
	// deployment.
	CleanRemote bool

	// PreCommands run on the target before any transfer.
	PreCommands []string

	// PostCommands run on the target after a successful finalize.
	PostCommands []string

	// Relay holds credentials for the intermediary host used by the relay
	// transfer strategy.
	Relay *Config
}

// WithDefaults returns a copy of the profile with default values applied.
func (p Profile) WithDefaults() Profile {
	p.Config = p.Config.WithDefaults()
	if p.Strategy == "" {
		p.Strategy = StrategyInPlace
	}
	if p.Transfer == "" {
		p.Transfer = TransferSFTP
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.KeepReleases < 1 {
		p.KeepReleases = 3
	}
	if p.ReleasesDir == "" && p.Strategy == StrategySymlink {
		p.ReleasesDir = path.Join(path.Dir(p.RemoteDir), "releases")
	}
	if p.Relay != nil {
		relay := p.Relay.WithDefaults()
		p.Relay = &relay
	}
	return p
}

// Validate checks the profile for configuration errors. It is called before
// any network activity.
func (p Profile) Validate() error {
	if p.Host == "" {
		return &ConfigError{Field: "host", Reason: "must not be empty"}
	}
	if p.User == "" {
		return &ConfigError{Field: "user", Reason: "must not be empty"}
	}
	if !p.hasAuth() {
		return &ConfigError{Field: "auth", Reason: "either a private key or a password is required"}
	}
	if p.LocalDir == "" {
		return &ConfigError{Field: "local_dir", Reason: "must not be empty"}
	}
	info, err := os.Stat(p.LocalDir)
	if err != nil {
		return &ConfigError{Field: "local_dir", Reason: fmt.Sprintf("not readable: %v", err)}
	}
	if !info.IsDir() {
		return &ConfigError{Field: "local_dir", Reason: "not a directory"}
	}
	if p.RemoteDir == "" {
		return &ConfigError{Field: "remote_dir", Reason: "must not be empty"}
	}
	switch p.Strategy {
	case StrategyInPlace, StrategySymlink:
	default:
		return &ConfigError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", p.Strategy)}
	}
	switch p.Transfer {
	case TransferSFTP, TransferTar, TransferRelay:
	default:
		return &ConfigError{Field: "transfer", Reason: fmt.Sprintf("unknown transfer %q", p.Transfer)}
	}
	if p.Transfer == TransferRelay {
		if p.Relay == nil {
			return &ConfigError{Field: "relay", Reason: "relay transfer requires relay credentials"}
		}
		if p.Relay.Host == "" {
			return &ConfigError{Field: "relay.host", Reason: "must not be empty"}
		}
		if !p.Relay.hasAuth() {
			return &ConfigError{Field: "relay.auth", Reason: "either a private key or a password is required"}
		}
	}
	if p.Strategy == StrategySymlink && p.ReleasesDir == "" {
		return &ConfigError{Field: "releases_dir", Reason: "must not be empty for the symlink strategy"}
	}
	for _, entry := range p.PreserveFiles {
		if err := validateRelPath(entry); err != nil {
			return err
		}
	}
	return nil
}
