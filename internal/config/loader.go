package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values, per spec §6's -d/-h/-n contract.
type Flags struct {
	ConfigPath string
	Debug      bool // -d: debug, implies foreground logging
	Help       bool // -h: help to stderr, exit 0
	NoFork     bool // -n: no-fork, foreground
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./lm.toml", "path to configuration file")
	flag.BoolVar(&f.Debug, "d", false, "debug mode (foreground, verbose logging)")
	flag.BoolVar(&f.Help, "h", false, "print usage and exit")
	flag.BoolVar(&f.NoFork, "n", false, "do not daemonize")

	flag.Parse()

	if f.Help {
		flag.Usage()
		os.Exit(0)
	}

	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig Config
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig), nil
}

// ApplyFlags merges command-line flag values into the config.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags, then applies
// flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Server.Name != "" {
		dst.Server.Name = src.Server.Name
	}
	if src.Server.Desc != "" {
		dst.Server.Desc = src.Server.Desc
	}
	if src.Server.Numeric != "" {
		dst.Server.Numeric = src.Server.Numeric
	}

	if src.User.Nick != "" {
		dst.User.Nick = src.User.Nick
	}
	if src.User.Ident != "" {
		dst.User.Ident = src.User.Ident
	}
	if src.User.Host != "" {
		dst.User.Host = src.User.Host
	}
	if src.User.Gecos != "" {
		dst.User.Gecos = src.User.Gecos
	}

	if src.Uplink.AddrPort != "" {
		dst.Uplink.AddrPort = src.Uplink.AddrPort
	}
	if src.Uplink.TheirPass != "" {
		dst.Uplink.TheirPass = src.Uplink.TheirPass
	}
	if src.Uplink.MyPass != "" {
		dst.Uplink.MyPass = src.Uplink.MyPass
	}
	if src.Uplink.LNumeric != "" {
		dst.Uplink.LNumeric = src.Uplink.LNumeric
	}

	if src.Mail.SendMailCmd != "" {
		dst.Mail.SendMailCmd = src.Mail.SendMailCmd
	}
	if src.Mail.FromEmail != "" {
		dst.Mail.FromEmail = src.Mail.FromEmail
	}
	if src.Mail.FromName != "" {
		dst.Mail.FromName = src.Mail.FromName
	}

	if src.Database.Path != "" {
		dst.Database.Path = src.Database.Path
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogPath != "" {
		dst.LogPath = src.LogPath
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
