package sitedeploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// RemoteSession is the set of remote operations the engine performs. It
// exists so the diff, transfer and release layers can be exercised against
// an in-memory fake in tests.
type RemoteSession interface {
	// Run executes a /bin/sh command on the remote host and returns its
	// stdout. A non-zero exit yields a *RemoteCommandError.
	Run(ctx context.Context, cmd string) (string, error)
	// Put uploads a local file to the remote path, creating parent
	// directories as needed.
	Put(ctx context.Context, localPath, remotePath string) error
	// MkdirAll creates a remote directory and any missing parents.
	MkdirAll(ctx context.Context, dir string) error
	// Rename moves a remote file or directory.
	Rename(ctx context.Context, oldPath, newPath string) error
	// Remove deletes a single remote file.
	Remove(ctx context.Context, remotePath string) error
	// Stat returns information about a remote path.
	Stat(ctx context.Context, remotePath string) (os.FileInfo, error)
	// ReadDir lists a remote directory.
	ReadDir(ctx context.Context, dir string) ([]os.FileInfo, error)
	// Close releases the underlying connections.
	Close() error
}

// SessionState tracks the lifecycle of a Session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Session owns one SSH command-execution channel and one SFTP channel to one
// host. A session is shared by the sequential operations of one logical
// worker and never by concurrent workers. Every remote operation runs
// through the session's RetryPolicy; a transient failure discards the
// underlying connection and rebuilds it before the retry.
type Session struct {
	config Config
	policy RetryPolicy

	mu    sync.Mutex
	link  *link
	state SessionState
}

// link bundles the live connection objects. Reconnecting replaces the whole
// link rather than mutating it, so an operation racing a reconnect can never
// observe a half-rebuilt connection.
type link struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	bastion    *ssh.Client
	stop       chan struct{}
}

func (l *link) close() {
	close(l.stop)
	if l.sftpClient != nil {
		l.sftpClient.Close()
	}
	if l.sshClient != nil {
		l.sshClient.Close()
	}
	if l.bastion != nil {
		l.bastion.Close()
	}
}

var _ RemoteSession = (*Session)(nil)

// Dial opens a session to the host described by config. The initial connect
// runs through the retry policy like every other operation.
func Dial(ctx context.Context, config Config, policy RetryPolicy) (*Session, error) {
	s := &Session{
		config: config.WithDefaults(),
		policy: policy,
	}
	err := policy.Run(ctx, fmt.Sprintf("connect to %s", s.config.Host), nil, func() error {
		return s.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// connect builds a fresh link and installs it.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	l, err := dialLink(s.config)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	old := s.link
	s.link = l
	s.state = StateReady
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
	return nil
}

// Reconnect discards the current connection and dials a fresh one. It is
// the hook RetryPolicy calls between a transient failure and the retry.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.connect(ctx)
}

// Close tears the session down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	s.state = StateDisconnected
	return nil
}

func (s *Session) current() (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.state != StateReady {
		return nil, fmt.Errorf("session to %s not connected", s.config.Host)
	}
	return s.link, nil
}

// do routes one operation through the retry policy with reconnection.
func (s *Session) do(ctx context.Context, op string, fn func(l *link) error) error {
	return s.policy.Run(ctx, op, s.Reconnect, func() error {
		l, err := s.current()
		if err != nil {
			return err
		}
		return fn(l)
	})
}

// Run executes a remote /bin/sh command and returns its stdout.
func (s *Session) Run(ctx context.Context, cmd string) (string, error) {
	var stdout string
	err := s.do(ctx, fmt.Sprintf("run %q", cmd), func(l *link) error {
		sess, err := l.sshClient.NewSession()
		if err != nil {
			return fmt.Errorf("failed to open exec channel: %w", err)
		}
		defer sess.Close()

		var outBuf, errBuf bytes.Buffer
		sess.Stdout = &outBuf
		sess.Stderr = &errBuf

		done := make(chan error, 1)
		go func() { done <- sess.Run(cmd) }()

		select {
		case <-ctx.Done():
			return fmt.Errorf("command cancelled: %w", ctx.Err())
		case err := <-done:
			if err != nil {
				var exitErr *ssh.ExitError
				if errors.As(err, &exitErr) {
					return &RemoteCommandError{
						Cmd:        cmd,
						ExitStatus: exitErr.ExitStatus(),
						Stderr:     strings.TrimSpace(errBuf.String()),
					}
				}
				return err
			}
			stdout = outBuf.String()
			return nil
		}
	})
	return stdout, err
}

// Put uploads localPath to remotePath over SFTP.
func (s *Session) Put(ctx context.Context, localPath, remotePath string) error {
	return s.do(ctx, fmt.Sprintf("put %s", remotePath), func(l *link) error {
		localFile, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open local file: %w", err)
		}
		defer localFile.Close()

		if dir := path.Dir(remotePath); dir != "" && dir != "/" && dir != "." {
			if err := l.sftpClient.MkdirAll(dir); err != nil {
				return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
			}
		}

		remoteFile, err := l.sftpClient.Create(remotePath)
		if err != nil {
			return fmt.Errorf("failed to create remote file: %w", err)
		}
		defer remoteFile.Close()

		done := make(chan error, 1)
		go func() {
			_, err := io.Copy(remoteFile, localFile)
			done <- err
		}()

		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		case err := <-done:
			if err != nil {
				return fmt.Errorf("failed to copy file content: %w", err)
			}
			return nil
		}
	})
}

// MkdirAll creates dir and any missing parents.
func (s *Session) MkdirAll(ctx context.Context, dir string) error {
	return s.do(ctx, fmt.Sprintf("mkdir %s", dir), func(l *link) error {
		return l.sftpClient.MkdirAll(dir)
	})
}

// Rename moves oldPath to newPath.
func (s *Session) Rename(ctx context.Context, oldPath, newPath string) error {
	return s.do(ctx, fmt.Sprintf("rename %s", oldPath), func(l *link) error {
		return l.sftpClient.PosixRename(oldPath, newPath)
	})
}

// Remove deletes a remote file.
func (s *Session) Remove(ctx context.Context, remotePath string) error {
	return s.do(ctx, fmt.Sprintf("remove %s", remotePath), func(l *link) error {
		return l.sftpClient.Remove(remotePath)
	})
}

// Stat returns information about a remote path.
func (s *Session) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	var info os.FileInfo
	err := s.do(ctx, fmt.Sprintf("stat %s", remotePath), func(l *link) error {
		fi, err := l.sftpClient.Stat(remotePath)
		if err != nil {
			return err
		}
		info = fi
		return nil
	})
	return info, err
}

// ReadDir lists a remote directory.
func (s *Session) ReadDir(ctx context.Context, dir string) ([]os.FileInfo, error) {
	var infos []os.FileInfo
	err := s.do(ctx, fmt.Sprintf("list %s", dir), func(l *link) error {
		fis, err := l.sftpClient.ReadDir(dir)
		if err != nil {
			return err
		}
		infos = fis
		return nil
	})
	return infos, err
}

// dialLink establishes the SSH and SFTP channels, optionally through a
// bastion, and starts the keep-alive prober.
func dialLink(config Config) (*link, error) {
	authMethods, err := buildAuthMethods(config)
	if err != nil {
		return nil, err
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no SSH authentication method configured")
	}

	hostKeyCallback, err := buildHostKeyCallback(config)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	targetAddr := net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port))

	var sshClient *ssh.Client
	var bastionClient *ssh.Client

	if config.BastionHost != "" {
		bastionClient, err = connectToBastion(config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to bastion host: %w", err)
		}

		conn, err := bastionClient.Dial("tcp", targetAddr)
		if err != nil {
			bastionClient.Close()
			return nil, fmt.Errorf("failed to dial target through bastion: %w", err)
		}

		ncc, chans, reqs, err := ssh.NewClientConn(conn, targetAddr, sshConfig)
		if err != nil {
			conn.Close()
			bastionClient.Close()
			return nil, fmt.Errorf("failed to create SSH connection through bastion: %w", err)
		}

		sshClient = ssh.NewClient(ncc, chans, reqs)
	} else {
		sshClient, err = ssh.Dial("tcp", targetAddr, sshConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", targetAddr, err)
		}
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		if bastionClient != nil {
			bastionClient.Close()
		}
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	l := &link{
		sshClient:  sshClient,
		sftpClient: sftpClient,
		bastion:    bastionClient,
		stop:       make(chan struct{}),
	}
	go l.keepAlive(config.KeepAliveInterval)
	return l, nil
}

// keepAlive sends periodic idle probes so a quiet connection is not dropped
// mid-run by an intermediate firewall. Probe failures are left to the next
// real operation to surface.
func (l *link) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := l.sshClient.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		case <-l.stop:
			return
		}
	}
}

func connectToBastion(config Config) (*ssh.Client, error) {
	var authMethods []ssh.AuthMethod

	if config.BastionPassword != "" {
		authMethods = append(authMethods, ssh.Password(config.BastionPassword))
	} else {
		keyPath := config.BastionKeyPath
		if keyPath == "" {
			keyPath = config.KeyPath
		}
		keyAuth, err := privateKeyAuth(config.PrivateKey, keyPath, config.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("no usable SSH key for bastion host: %w", err)
		}
		authMethods = append(authMethods, keyAuth)
	}

	bastionUser := config.BastionUser
	if bastionUser == "" {
		bastionUser = config.User
	}

	hostKeyCallback, err := buildHostKeyCallback(config)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification for bastion: %w", err)
	}

	bastionConfig := &ssh.ClientConfig{
		User:            bastionUser,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	bastionAddr := net.JoinHostPort(config.BastionHost, fmt.Sprintf("%d", config.BastionPort))
	return ssh.Dial("tcp", bastionAddr, bastionConfig)
}

func buildHostKeyCallback(config Config) (ssh.HostKeyCallback, error) {
	if config.InsecureIgnoreHostKey {
		log.Printf("[WARN] SSH host key verification disabled for %s:%d - this is insecure!", config.Host, config.Port)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if config.KnownHostsFile != "" {
		expandedPath := ExpandPath(config.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			log.Printf("[WARN] Could not parse known_hosts file %s: %v", defaultKnownHosts, err)
		}
	}

	log.Printf("[WARN] No known_hosts file found for %s:%d - host key verification disabled.", config.Host, config.Port)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}, nil
}

func buildAuthMethods(config Config) ([]ssh.AuthMethod, error) {
	if config.Password != "" {
		return []ssh.AuthMethod{ssh.Password(config.Password)}, nil
	}
	keyAuth, err := privateKeyAuth(config.PrivateKey, config.KeyPath, config.Passphrase)
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{keyAuth}, nil
}

func privateKeyAuth(keyContent, keyPath, passphrase string) (ssh.AuthMethod, error) {
	var keyData []byte
	var err error

	if keyContent != "" {
		keyData = []byte(keyContent)
	} else if keyPath != "" {
		keyData, err = os.ReadFile(ExpandPath(keyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("no SSH private key provided (set private_key or key_path)")
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
