package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yggdrasil-au/sitedeploy"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func resetFlags() {
	flagHost = ""
	flagPort = 0
	flagUser = ""
	flagKeyPath = ""
	flagPassword = ""
	flagLocalDir = ""
	flagRemoteDir = ""
	flagStrategy = ""
	flagTransfer = ""
	flagBatchSize = 0
	flagWorkers = 0
	flagKeep = 0
}

func TestLoadProfile(t *testing.T) {
	resetFlags()
	path := writeProfile(t, `
host: web.example.com
port: 2222
user: deploy
key_path: ~/.ssh/deploy_key
local_dir: ./public
remote_dir: /srv/site/current
strategy: symlink
transfer: tar
batch_size_bytes: 1048576
concurrency: 4
keep_releases: 5
preserve_files:
  - .env
  - storage/app.db
pre_commands:
  - systemctl stop app
post_commands:
  - systemctl start app
bastion:
  host: jump.example.com
  user: jumper
`)

	p, err := loadProfile(path)
	require.NoError(t, err)

	assert.Equal(t, "web.example.com", p.Host)
	assert.Equal(t, 2222, p.Port)
	assert.Equal(t, "deploy", p.User)
	assert.Equal(t, "~/.ssh/deploy_key", p.KeyPath)
	assert.Equal(t, "./public", p.LocalDir)
	assert.Equal(t, "/srv/site/current", p.RemoteDir)
	assert.Equal(t, sitedeploy.StrategySymlink, p.Strategy)
	assert.Equal(t, sitedeploy.TransferTar, p.Transfer)
	assert.EqualValues(t, 1048576, p.BatchSizeBytes)
	assert.Equal(t, 4, p.Concurrency)
	assert.Equal(t, 5, p.KeepReleases)
	assert.Equal(t, []string{".env", "storage/app.db"}, p.PreserveFiles)
	assert.Equal(t, []string{"systemctl stop app"}, p.PreCommands)
	assert.Equal(t, []string{"systemctl start app"}, p.PostCommands)
	assert.Equal(t, "jump.example.com", p.BastionHost)
	assert.Equal(t, "jumper", p.BastionUser)
	assert.Nil(t, p.Relay)
}

func TestLoadProfile_RelaySection(t *testing.T) {
	resetFlags()
	path := writeProfile(t, `
host: target.internal
user: deploy
key_path: ~/.ssh/deploy_key
local_dir: ./public
remote_dir: /srv/site
transfer: relay
relay:
  host: relay.example.com
  user: relayer
  password: hunter2
`)

	p, err := loadProfile(path)
	require.NoError(t, err)
	require.NotNil(t, p.Relay)
	assert.Equal(t, "relay.example.com", p.Relay.Host)
	assert.Equal(t, "relayer", p.Relay.User)
	assert.Equal(t, "hunter2", p.Relay.Password)
}

func TestLoadProfile_FlagsOverrideFile(t *testing.T) {
	resetFlags()
	defer resetFlags()
	path := writeProfile(t, `
host: web.example.com
user: deploy
password: filepass
local_dir: ./public
remote_dir: /srv/site
`)

	flagHost = "other.example.com"
	flagKeep = 7
	flagStrategy = "symlink"

	p, err := loadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "other.example.com", p.Host)
	assert.Equal(t, 7, p.KeepReleases)
	assert.Equal(t, sitedeploy.StrategySymlink, p.Strategy)
	assert.Equal(t, "deploy", p.User, "unset flags leave file values alone")
}

func TestLoadProfile_MissingFile(t *testing.T) {
	resetFlags()
	_, err := loadProfile("/nonexistent/profile.yaml")
	require.Error(t, err)
}

func TestLoadProfile_NoFileFlagsOnly(t *testing.T) {
	resetFlags()
	defer resetFlags()
	flagHost = "203.0.113.10"
	flagUser = "deploy"
	flagPassword = "x"
	flagLocalDir = "."
	flagRemoteDir = "/srv/site"

	p, err := loadProfile("")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", p.Host)
	assert.Equal(t, "/srv/site", p.RemoteDir)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(&sitedeploy.ConfigError{Field: "host", Reason: "empty"}))
	assert.Equal(t, 2, exitCode(&sitedeploy.ValidationError{Entry: "../x", Reason: "escape"}))
	assert.Equal(t, 1, exitCode(assert.AnError))
}
