package sitedeploy

import "fmt"

// ConfigError reports a missing or invalid profile field. It is never
// retried and is raised before any connection attempt.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid profile: %s: %s", e.Field, e.Reason)
}

// ValidationError reports an unsafe path entry (absolute, escaping the tree,
// or containing control bytes). It is raised before any remote command is
// constructed from the entry.
type ValidationError struct {
	Entry  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Entry, e.Reason)
}

// RemoteCommandError reports a remote shell command that exited non-zero.
type RemoteCommandError struct {
	Cmd        string
	ExitStatus int
	Stderr     string
}

func (e *RemoteCommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command %q exited %d: %s", e.Cmd, e.ExitStatus, e.Stderr)
	}
	return fmt.Sprintf("remote command %q exited %d", e.Cmd, e.ExitStatus)
}
