package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/yggdrasil-au/sitedeploy"
)

var (
	// CLI Flags.
	profilePath string
	interactive bool
	dryRun      bool

	flagHost      string
	flagPort      int
	flagUser      string
	flagKeyPath   string
	flagPassword  string
	flagLocalDir  string
	flagRemoteDir string
	flagStrategy  string
	flagTransfer  string
	flagBatchSize int64
	flagWorkers   int
	flagKeep      int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitedeploy",
		Short: "Deploy a local directory tree to a remote host over SSH/SFTP",
		Long: `sitedeploy uploads the files that differ between a local directory and a
remote one, either straight into the public directory or as a timestamped
release activated by an atomic symlink swap.

Connection and deployment settings come from a YAML profile (--profile),
host aliases in ~/.ssh/config, and flags, in increasing precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDeploy(cmd.Context())
		},
	}

	rootCmd.Flags().StringVarP(&profilePath, "profile", "f", "", "Path to a YAML deployment profile")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt retry/skip/quit on transient failures instead of backing off")
	rootCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Compute and print the change set without transferring anything")

	rootCmd.Flags().StringVar(&flagHost, "host", "", "Target hostname, IP, or ~/.ssh/config alias")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "SSH port (default 22)")
	rootCmd.Flags().StringVar(&flagUser, "user", "", "SSH username")
	rootCmd.Flags().StringVar(&flagKeyPath, "key", "", "Private key path")
	rootCmd.Flags().StringVar(&flagPassword, "password", "", "SSH password (prefer key authentication)")
	rootCmd.Flags().StringVar(&flagLocalDir, "local", "", "Local directory to deploy")
	rootCmd.Flags().StringVar(&flagRemoteDir, "remote", "", "Remote target directory")
	rootCmd.Flags().StringVar(&flagStrategy, "strategy", "", "Release strategy: inplace or symlink")
	rootCmd.Flags().StringVar(&flagTransfer, "transfer", "", "Transfer strategy: sftp, tar or relay")
	rootCmd.Flags().Int64Var(&flagBatchSize, "batch-size", 0, "Max cumulative bytes per tar batch (0 = one batch)")
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 0, "Concurrent tar-batch workers")
	rootCmd.Flags().IntVar(&flagKeep, "keep", 0, "Releases to keep when pruning")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes to distinct exit codes so wrapping scripts can
// tell a bad profile from a failed run.
func exitCode(err error) int {
	var cfgErr *sitedeploy.ConfigError
	var valErr *sitedeploy.ValidationError
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &valErr):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

func runDeploy(ctx context.Context) error {
	profile, err := loadProfile(profilePath)
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	if dryRun {
		return printChangeSet(ctx, profile, logger)
	}

	d := &sitedeploy.Deployer{
		Profile: profile,
		Logger:  logger,
	}
	if interactive {
		d.Policy.Failure = &sitedeploy.PromptPolicy{In: os.Stdin, Out: os.Stderr}
	}

	var bar *progressbar.ProgressBar
	d.Progress = func(entry sitedeploy.FileEntry, index, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Uploading"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetWriter(os.Stderr),
			)
		}
		bar.Describe(fmt.Sprintf("Uploading %s", entry.RelPath))
		bar.Set(index)
	}

	res, err := d.Run(ctx)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	if res.Release != "" {
		fmt.Printf("Activated release %s (%d file(s), %d bytes) in %s\n",
			res.Release, res.Uploaded, res.TransferredBytes, res.Duration.Round(time.Millisecond))
	} else {
		fmt.Printf("Deployed %d file(s) (%d bytes) to %s in %s\n",
			res.Uploaded, res.TransferredBytes, res.Target, res.Duration.Round(time.Millisecond))
	}
	return nil
}

// printChangeSet connects, diffs, and reports what a real run would upload.
func printChangeSet(ctx context.Context, profile sitedeploy.Profile, logger *log.Logger) error {
	profile = profile.WithDefaults()
	if err := profile.Validate(); err != nil {
		return err
	}

	policy := sitedeploy.DefaultRetryPolicy()
	policy.Logger = logger

	sess, err := sitedeploy.Dial(ctx, profile.Config, policy)
	if err != nil {
		return err
	}
	defer sess.Close()

	// A dry run diffs against the live directory even under the symlink
	// strategy, since no release directory exists yet.
	changes, err := sitedeploy.ComputeChangeSet(ctx, sess, profile.LocalDir, profile.RemoteDir)
	if err != nil {
		return err
	}

	for _, entry := range changes {
		fmt.Printf("%10d  %s\n", entry.Size, entry.RelPath)
	}
	fmt.Printf("%d file(s), %d bytes to transfer\n", len(changes), changes.TotalSize())
	return nil
}
