package sitedeploy

import "time"

// Config holds SSH connection configuration for one host.
type Config struct {
	// Host is the target SSH server hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username.
	User string

	// PrivateKey is the SSH private key content (PEM encoded).
	// Mutually exclusive with KeyPath.
	PrivateKey string

	// KeyPath is the path to the SSH private key file.
	// Mutually exclusive with PrivateKey.
	KeyPath string

	// Passphrase decrypts an encrypted private key, if set.
	Passphrase string

	// Password is the SSH password for password authentication.
	Password string

	// Timeout is the connection timeout (default 30s).
	Timeout time.Duration

	// KeepAliveInterval is the interval between keep-alive probes on an
	// idle connection (default 15s).
	KeepAliveInterval time.Duration

	// KnownHostsFile is the path to a known_hosts file for host key verification.
	// If not set, defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification.
	// WARNING: This is insecure and should only be used for testing.
	InsecureIgnoreHostKey bool

	// BastionHost is the hostname or IP of a bastion/jump host between the
	// control machine and the target. Distinct from the relay transfer
	// strategy: a bastion only tunnels the SSH connection.
	BastionHost string

	// BastionPort is the SSH port of the bastion host (default 22).
	BastionPort int

	// BastionUser is the SSH username for the bastion host.
	// Falls back to User if not set.
	BastionUser string

	// BastionKeyPath is the path to the private key for the bastion host.
	// Falls back to KeyPath if not set.
	BastionKeyPath string

	// BastionPassword is the password for the bastion host.
	BastionPassword string
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.BastionPort == 0 && c.BastionHost != "" {
		c.BastionPort = 22
	}
	return c
}

// hasAuth reports whether at least one authentication method is configured.
func (c Config) hasAuth() bool {
	return c.PrivateKey != "" || c.KeyPath != "" || c.Password != ""
}
