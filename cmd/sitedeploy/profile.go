package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kevinburke/ssh_config"
	"github.com/spf13/viper"
	"github.com/yggdrasil-au/sitedeploy"
)

// loadProfile builds the resolved deployment profile from the YAML file,
// ~/.ssh/config host-alias defaults, and flag overrides, in that order of
// increasing precedence.
func loadProfile(path string) (sitedeploy.Profile, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return sitedeploy.Profile{}, fmt.Errorf("failed to read profile %s: %w", path, err)
		}
	}

	profile := sitedeploy.Profile{
		Config: sitedeploy.Config{
			Host:                  v.GetString("host"),
			Port:                  v.GetInt("port"),
			User:                  v.GetString("user"),
			KeyPath:               v.GetString("key_path"),
			Passphrase:            v.GetString("passphrase"),
			Password:              v.GetString("password"),
			Timeout:               v.GetDuration("timeout"),
			KeepAliveInterval:     v.GetDuration("keep_alive_interval"),
			KnownHostsFile:        v.GetString("known_hosts_file"),
			InsecureIgnoreHostKey: v.GetBool("insecure_ignore_host_key"),
			BastionHost:           v.GetString("bastion.host"),
			BastionPort:           v.GetInt("bastion.port"),
			BastionUser:           v.GetString("bastion.user"),
			BastionKeyPath:        v.GetString("bastion.key_path"),
			BastionPassword:       v.GetString("bastion.password"),
		},
		LocalDir:        v.GetString("local_dir"),
		RemoteDir:       v.GetString("remote_dir"),
		Strategy:        sitedeploy.Strategy(v.GetString("strategy")),
		Transfer:        sitedeploy.Transfer(v.GetString("transfer")),
		BatchSizeBytes:  v.GetInt64("batch_size_bytes"),
		Concurrency:     v.GetInt("concurrency"),
		ReleasesDir:     v.GetString("releases_dir"),
		KeepReleases:    v.GetInt("keep_releases"),
		PreserveFiles:   v.GetStringSlice("preserve_files"),
		PreserveDir:     v.GetString("preserve_dir"),
		ArchiveExisting: v.GetBool("archive_existing"),
		ArchiveDir:      v.GetString("archive_dir"),
		CleanRemote:     v.GetBool("clean_remote"),
		PreCommands:     v.GetStringSlice("pre_commands"),
		PostCommands:    v.GetStringSlice("post_commands"),
	}

	if v.IsSet("relay") {
		profile.Relay = &sitedeploy.Config{
			Host:                  v.GetString("relay.host"),
			Port:                  v.GetInt("relay.port"),
			User:                  v.GetString("relay.user"),
			KeyPath:               v.GetString("relay.key_path"),
			Password:              v.GetString("relay.password"),
			InsecureIgnoreHostKey: v.GetBool("relay.insecure_ignore_host_key"),
		}
	}

	applyFlags(&profile)
	applySSHConfig(&profile.Config)

	return profile, nil
}

// applyFlags lets command-line flags win over the profile file.
func applyFlags(p *sitedeploy.Profile) {
	if flagHost != "" {
		p.Host = flagHost
	}
	if flagPort != 0 {
		p.Port = flagPort
	}
	if flagUser != "" {
		p.User = flagUser
	}
	if flagKeyPath != "" {
		p.KeyPath = flagKeyPath
	}
	if flagPassword != "" {
		p.Password = flagPassword
	}
	if flagLocalDir != "" {
		p.LocalDir = flagLocalDir
	}
	if flagRemoteDir != "" {
		p.RemoteDir = flagRemoteDir
	}
	if flagStrategy != "" {
		p.Strategy = sitedeploy.Strategy(flagStrategy)
	}
	if flagTransfer != "" {
		p.Transfer = sitedeploy.Transfer(flagTransfer)
	}
	if flagBatchSize != 0 {
		p.BatchSizeBytes = flagBatchSize
	}
	if flagWorkers != 0 {
		p.Concurrency = flagWorkers
	}
	if flagKeep != 0 {
		p.KeepReleases = flagKeep
	}
}

// applySSHConfig resolves the host through ~/.ssh/config the way OpenSSH
// would: an alias supplies HostName, User, Port and IdentityFile for any of
// them the profile leaves unset.
func applySSHConfig(c *sitedeploy.Config) {
	if c.Host == "" {
		return
	}

	if hostName := ssh_config.Get(c.Host, "HostName"); hostName != "" && hostName != c.Host {
		if c.User == "" {
			c.User = ssh_config.Get(c.Host, "User")
		}
		if c.Port == 0 {
			if port, err := strconv.Atoi(ssh_config.Get(c.Host, "Port")); err == nil && port != 22 {
				c.Port = port
			}
		}
		if c.KeyPath == "" && c.PrivateKey == "" && c.Password == "" {
			if identity := ssh_config.Get(c.Host, "IdentityFile"); identity != "" {
				if expanded := sitedeploy.ExpandPath(identity); fileExists(expanded) {
					c.KeyPath = expanded
				}
			}
		}
		c.Host = hostName
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
