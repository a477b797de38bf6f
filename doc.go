// Package sitedeploy deploys a local directory tree to a remote host over
// SSH/SFTP, transferring only the files that changed and supporting
// zero-downtime releases.
//
// This package provides:
//   - A size-based diff engine that computes the minimal change set between
//     the local tree and the remote target
//   - Two release strategies: in-place overwrite, and immutable timestamped
//     releases activated by an atomic symlink swap
//   - Three transfer strategies: per-file SFTP puts, batched tar push and
//     remote extract, and routing through a relay host
//   - Automatic reconnect-and-retry with exponential backoff for transient
//     connection failures
//   - Release lifecycle management: cross-release file preservation and
//     stale-release pruning
//
// # Basic Usage
//
// Build a resolved profile and run the deployer:
//
//	deployer := &sitedeploy.Deployer{
//		Profile: sitedeploy.Profile{
//			Config: sitedeploy.Config{
//				Host:    "example.com",
//				User:    "deploy",
//				KeyPath: "~/.ssh/id_ed25519",
//			},
//			LocalDir:  "./dist",
//			RemoteDir: "/var/www/site/current",
//			Strategy:  sitedeploy.StrategySymlink,
//			Transfer:  sitedeploy.TransferTar,
//		},
//	}
//
//	result, err := deployer.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	log.Printf("deployed release %s (%d files)", result.Release, result.Uploaded)
//
// # Failure handling
//
// Every remote operation runs through a RetryPolicy that classifies
// connection-level faults, reconnects, and retries with exponential backoff.
// An interactive PromptPolicy can be plugged in instead for attended runs.
// A failed symlink-strategy run never touches the previously active release;
// the partially populated new release directory is left behind for
// inspection.
package sitedeploy
