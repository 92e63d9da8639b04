// Package config provides configuration management for lm.
package config

import "errors"

// ServerConfig describes how this service introduces itself on the network.
type ServerConfig struct {
	Name    string `toml:"name"`
	Desc    string `toml:"desc"`
	Numeric string `toml:"numeric"`
}

// UserConfig describes the single service user this server introduces. Its numnick is
// constructed by the protocol engine as Server.Numeric+"AAA" (the local server's own
// registration numnick is Server.Numeric+"AAB", one slot further, leaving uid 0 for this
// user).
type UserConfig struct {
	Nick  string `toml:"nick"`
	Ident string `toml:"ident"`
	Host  string `toml:"host"`
	Gecos string `toml:"gecos"`
}

// UplinkConfig describes the P10 uplink this server connects out to.
type UplinkConfig struct {
	AddrPort  string `toml:"addrport"`
	TheirPass string `toml:"theirpass"`
	MyPass    string `toml:"mypass"`
	LNumeric  string `toml:"l_numeric"`
}

// MailConfig describes how confirmation/reset mail is delivered. A blank SendMailCmd
// selects the disabled mode, which echoes mail bodies back to the requesting user.
type MailConfig struct {
	SendMailCmd string `toml:"sendmailcmd"`
	FromEmail   string `toml:"fromemail"`
	FromName    string `toml:"fromname"`
}

// DatabaseConfig names the on-disk SQLite file backing the credential store.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Config is the top-level lm configuration, loaded from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	User     UserConfig     `toml:"user"`
	Uplink   UplinkConfig   `toml:"uplink"`
	Mail     MailConfig     `toml:"mail"`
	Database DatabaseConfig `toml:"database"`
	Metrics  MetricsConfig  `toml:"metrics"`
	LogLevel string         `toml:"log_level"`
	LogPath  string         `toml:"log_path"`
}

// Default returns a Config with sensible default values for the fields spec.md leaves
// optional.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "lm.db"},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9110",
			Path:    "/metrics",
		},
		LogLevel: "info",
		LogPath:  "lm.log",
	}
}

// Validate checks that the configuration satisfies spec §6's required-key rules.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("[server] name is required")
	}
	if c.Server.Numeric == "" {
		return errors.New("[server] numeric is required")
	}
	if len(c.Server.Numeric) != 2 {
		return errors.New("[server] numeric must be exactly 2 characters")
	}

	if c.User.Nick == "" {
		return errors.New("[user] nick is required")
	}
	if c.User.Ident == "" {
		return errors.New("[user] ident is required")
	}
	if c.User.Host == "" {
		return errors.New("[user] host is required")
	}

	if c.Uplink.AddrPort == "" {
		return errors.New("[uplink] addrport is required")
	}
	if c.Uplink.TheirPass == "" {
		return errors.New("[uplink] theirpass is required")
	}
	if c.Uplink.MyPass == "" {
		return errors.New("[uplink] mypass is required")
	}
	if c.Uplink.LNumeric == "" {
		return errors.New("[uplink] l_numeric is required")
	}

	if c.Mail.SendMailCmd != "" {
		if c.Mail.FromEmail == "" {
			return errors.New("[mail] fromemail is required when sendmailcmd is set")
		}
		if c.Mail.FromName == "" {
			return errors.New("[mail] fromname is required when sendmailcmd is set")
		}
	}

	if c.Database.Path == "" {
		return errors.New("[database] path is required")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// MailEnabled reports whether the external-MTA mail mode is selected.
func (c *Config) MailEnabled() bool {
	return c.Mail.SendMailCmd != ""
}
