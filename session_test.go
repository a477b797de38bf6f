package sitedeploy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateReady, "ready"},
		{StateFailed, "failed"},
		{SessionState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("SessionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestPrivateKeyAuth(t *testing.T) {
	keyContent, keyPath := generateTestRSAKey(t)

	t.Run("from content", func(t *testing.T) {
		auth, err := privateKeyAuth(keyContent, "", "")
		if err != nil {
			t.Fatalf("privateKeyAuth() error = %v", err)
		}
		if auth == nil {
			t.Fatal("privateKeyAuth() returned nil auth method")
		}
	})

	t.Run("from path", func(t *testing.T) {
		auth, err := privateKeyAuth("", keyPath, "")
		if err != nil {
			t.Fatalf("privateKeyAuth() error = %v", err)
		}
		if auth == nil {
			t.Fatal("privateKeyAuth() returned nil auth method")
		}
	})

	t.Run("content wins over path", func(t *testing.T) {
		if _, err := privateKeyAuth(keyContent, "/nonexistent/key", ""); err != nil {
			t.Fatalf("privateKeyAuth() error = %v, inline content should not touch the path", err)
		}
	})

	t.Run("missing key file", func(t *testing.T) {
		_, err := privateKeyAuth("", "/nonexistent/key", "")
		if err == nil {
			t.Fatal("expected error for missing key file")
		}
		if !strings.Contains(err.Error(), "failed to read SSH key file") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("no key provided", func(t *testing.T) {
		if _, err := privateKeyAuth("", "", ""); err == nil {
			t.Fatal("expected error when no key is provided")
		}
	})

	t.Run("garbage key content", func(t *testing.T) {
		_, err := privateKeyAuth("not a pem key", "", "")
		if err == nil {
			t.Fatal("expected parse error")
		}
		if !strings.Contains(err.Error(), "failed to parse SSH private key") {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestBuildAuthMethods(t *testing.T) {
	keyContent, _ := generateTestRSAKey(t)

	t.Run("password preferred", func(t *testing.T) {
		methods, err := buildAuthMethods(Config{Password: "secret"})
		if err != nil {
			t.Fatalf("buildAuthMethods() error = %v", err)
		}
		if len(methods) != 1 {
			t.Fatalf("expected 1 auth method, got %d", len(methods))
		}
	})

	t.Run("key auth", func(t *testing.T) {
		methods, err := buildAuthMethods(Config{PrivateKey: keyContent})
		if err != nil {
			t.Fatalf("buildAuthMethods() error = %v", err)
		}
		if len(methods) != 1 {
			t.Fatalf("expected 1 auth method, got %d", len(methods))
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		if _, err := buildAuthMethods(Config{}); err == nil {
			t.Fatal("expected error when no auth is configured")
		}
	})
}

func TestBuildHostKeyCallback(t *testing.T) {
	t.Run("insecure", func(t *testing.T) {
		cb, err := buildHostKeyCallback(Config{InsecureIgnoreHostKey: true})
		if err != nil {
			t.Fatalf("buildHostKeyCallback() error = %v", err)
		}
		if cb == nil {
			t.Fatal("expected a callback")
		}
	})

	t.Run("missing known_hosts file", func(t *testing.T) {
		_, err := buildHostKeyCallback(Config{KnownHostsFile: "/nonexistent/known_hosts"})
		if err == nil {
			t.Fatal("expected error for missing known_hosts file")
		}
	})

	t.Run("explicit known_hosts file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(path, nil, 0600); err != nil {
			t.Fatalf("failed to write known_hosts: %v", err)
		}
		cb, err := buildHostKeyCallback(Config{KnownHostsFile: path})
		if err != nil {
			t.Fatalf("buildHostKeyCallback() error = %v", err)
		}
		if cb == nil {
			t.Fatal("expected a callback")
		}
	})
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/.ssh/id_rsa", filepath.Join(homeDir, ".ssh", "id_rsa")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSessionLifecycleWithoutConnection(t *testing.T) {
	s := &Session{config: Config{Host: "example.com"}.WithDefaults()}

	if got := s.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if _, err := s.current(); err == nil {
		t.Error("current() on a disconnected session must fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on a disconnected session error = %v", err)
	}
	if got := s.State(); got != StateDisconnected {
		t.Errorf("State() after Close = %v, want disconnected", got)
	}
}
