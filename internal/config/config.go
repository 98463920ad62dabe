// Package config loads maccal settings from an optional TOML file and the
// environment. Environment variables win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFile is read when no explicit path is given and it exists.
const DefaultFile = "maccal.toml"

const (
	ProviderCalDAV = "caldav"
	ProviderGoogle = "google"
	ProviderLocal  = "local"
)

type CalDAVConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Calendar string `toml:"calendar"`
}

type GoogleConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Account      string `toml:"account"`
	CalendarID   string `toml:"calendar_id"`
	TokenDir     string `toml:"token_dir"`
}

type LocalConfig struct {
	DBPath string `toml:"db_path"`
}

type Config struct {
	Provider string       `toml:"provider"`
	LogLevel string       `toml:"log_level"`
	CalDAV   CalDAVConfig `toml:"caldav"`
	Google   GoogleConfig `toml:"google"`
	Local    LocalConfig  `toml:"local"`
}

func DefaultConfig() Config {
	return Config{
		Provider: ProviderLocal,
		LogLevel: "info",
		Google:   GoogleConfig{CalendarID: "primary"},
		Local:    LocalConfig{DBPath: "maccal.db"},
	}
}

// Load reads path (or DefaultFile when path is empty and the file exists),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg, os.LookupEnv)
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for key, dst := range map[string]*string{
		"PROVIDER":             &cfg.Provider,
		"LOG_LEVEL":            &cfg.LogLevel,
		"CALDAV_URL":           &cfg.CalDAV.URL,
		"CALDAV_USERNAME":      &cfg.CalDAV.Username,
		"CALDAV_PASSWORD":      &cfg.CalDAV.Password,
		"CALDAV_CALENDAR":      &cfg.CalDAV.Calendar,
		"GOOGLE_CLIENT_ID":     &cfg.Google.ClientID,
		"GOOGLE_CLIENT_SECRET": &cfg.Google.ClientSecret,
		"GOOGLE_ACCOUNT":       &cfg.Google.Account,
		"GOOGLE_CALENDAR_ID":   &cfg.Google.CalendarID,
		"GOOGLE_TOKEN_DIR":     &cfg.Google.TokenDir,
		"LOCAL_DB_PATH":        &cfg.Local.DBPath,
	} {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
}

// Validate checks the settings the selected provider needs.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderCalDAV:
		if c.CalDAV.Username == "" || c.CalDAV.Password == "" {
			return fmt.Errorf("caldav provider needs CALDAV_USERNAME and CALDAV_PASSWORD")
		}
		if c.CalDAV.Calendar == "" {
			return fmt.Errorf("caldav provider needs CALDAV_CALENDAR")
		}
	case ProviderGoogle:
		if c.Google.CalendarID == "" {
			return fmt.Errorf("google provider needs GOOGLE_CALENDAR_ID")
		}
	case ProviderLocal:
		if c.Local.DBPath == "" {
			return fmt.Errorf("local provider needs LOCAL_DB_PATH")
		}
	default:
		return fmt.Errorf("unsupported provider type: %s", c.Provider)
	}
	return nil
}
