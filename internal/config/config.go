// Package config loads the channel/store configuration boxsyncd reads
// at startup: a YAML file naming each IMAP account, each Maildir root,
// and the channels pairing a far store box pattern with a near store
// box pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level file shape.
type Config struct {
	IMAPStores     map[string]IMAPStore     `yaml:"imap_stores"`
	MaildirStores  map[string]MaildirStore  `yaml:"maildir_stores"`
	Channels       map[string]Channel       `yaml:"channels"`
}

// IMAPStore names one IMAP account.
type IMAPStore struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Security string `yaml:"security"` // "tls" (default), "starttls", "none"
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// MaildirStore names one Maildir root on disk.
type MaildirStore struct {
	Path string `yaml:"path"`
}

// Channel pairs a far store box with a near store box and the policies
// that govern synchronizing them.
type Channel struct {
	Far  string `yaml:"far"`  // references an IMAPStore by name
	Near string `yaml:"near"` // references a MaildirStore by name

	FarBox  string `yaml:"far_box"`
	NearBox string `yaml:"near_box"`

	Sync         []string `yaml:"sync"`          // subset of "pull", "push", "delete", "flags" (default: all)
	MaxMessages  int      `yaml:"max_messages"`  // 0 disables expiration
	MaxSize      int64    `yaml:"max_size"`      // bytes; 0 disables placeholder substitution
	ExpireSide   string   `yaml:"expire_side"`   // "far" or "near" (default: "near")
	ExpireUnread string   `yaml:"expire_unread"` // "", "far", "near", "both" (default: refuse to expire unread)

	CreateBox bool `yaml:"create_box"` // create whichever side is missing on a fresh pair
	RemoveBox bool `yaml:"remove_box"` // propagate a box deletion to the opposite side once it's empty

	StateDir string `yaml:"state_dir"`
}

// Load parses the YAML file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, ch := range c.Channels {
		if _, ok := c.IMAPStores[ch.Far]; !ok {
			return fmt.Errorf("channel %s: unknown far store %q", name, ch.Far)
		}
		if _, ok := c.MaildirStores[ch.Near]; !ok {
			return fmt.Errorf("channel %s: unknown near store %q", name, ch.Near)
		}
		if ch.StateDir == "" {
			return fmt.Errorf("channel %s: state_dir is required", name)
		}
	}
	return nil
}
