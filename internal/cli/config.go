package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/appconfig/internal/config"
)

// Config represents the CLI configuration file.
type Config struct {
	DefaultProfile string             `yaml:"default_profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

// Profile holds the connection settings for one service instance and context.
type Profile struct {
	Region             string `yaml:"region,omitempty"`
	GUID               string `yaml:"guid,omitempty"`
	APIKey             string `yaml:"apikey,omitempty"`
	CollectionID       string `yaml:"collection_id,omitempty"`
	EnvironmentID      string `yaml:"environment_id,omitempty"`
	ServiceURL         string `yaml:"service_url,omitempty"`
	BootstrapFile      string `yaml:"bootstrap_file,omitempty"`
	PersistentCacheDir string `yaml:"persistent_cache_dir,omitempty"`
}

// GetConfigPath returns the path to the config file.
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".appconfig", "config.yaml"), nil
}

// LoadConfig loads the configuration file. A missing file yields an empty config.
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{DefaultProfile: "default", Profiles: make(map[string]Profile)}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration file.
func SaveConfig(cfg *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// InitConfig creates a config file with a placeholder profile.
func InitConfig() error {
	return SaveConfig(&Config{
		DefaultProfile: "default",
		Profiles: map[string]Profile{
			"default": {
				Region:        "us-south",
				GUID:          "<instance-guid>",
				APIKey:        "<apikey>",
				CollectionID:  "<collection-id>",
				EnvironmentID: "dev",
			},
		},
	})
}

// ApplyProfile fills the settings cfg leaves empty from the named profile.
// Priority: command flags > environment variables > config file. An empty
// name selects the default profile; a missing default profile is not an error.
func ApplyProfile(cfg *config.Config, name string) error {
	file, err := LoadConfig()
	if err != nil {
		return err
	}

	explicit := name != ""
	if !explicit {
		name = file.DefaultProfile
	}
	p, ok := file.Profiles[name]
	if !ok {
		if explicit {
			return fmt.Errorf("profile '%s' not found in config", name)
		}
		return nil
	}

	fill(&cfg.Region, p.Region)
	fill(&cfg.GUID, p.GUID)
	fill(&cfg.APIKey, p.APIKey)
	fill(&cfg.CollectionID, p.CollectionID)
	fill(&cfg.EnvironmentID, p.EnvironmentID)
	fill(&cfg.ServiceURL, p.ServiceURL)
	fill(&cfg.BootstrapFile, p.BootstrapFile)
	fill(&cfg.PersistentCacheDir, p.PersistentCacheDir)
	return nil
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// ProfileKeys lists the keys accepted by GetValue and SetValue.
var ProfileKeys = []string{
	"region", "guid", "apikey", "collection_id", "environment_id",
	"service_url", "bootstrap_file", "persistent_cache_dir",
}

func (p *Profile) field(key string) (*string, error) {
	switch key {
	case "region":
		return &p.Region, nil
	case "guid":
		return &p.GUID, nil
	case "apikey":
		return &p.APIKey, nil
	case "collection_id":
		return &p.CollectionID, nil
	case "environment_id":
		return &p.EnvironmentID, nil
	case "service_url":
		return &p.ServiceURL, nil
	case "bootstrap_file":
		return &p.BootstrapFile, nil
	case "persistent_cache_dir":
		return &p.PersistentCacheDir, nil
	default:
		return nil, fmt.Errorf("unknown key '%s', valid keys: %s", key, strings.Join(ProfileKeys, ", "))
	}
}

// GetValue returns a "profile.key" value.
func (c *Config) GetValue(path string) (string, error) {
	name, key, err := splitPath(path)
	if err != nil {
		return "", err
	}
	p, ok := c.Profiles[name]
	if !ok {
		return "", fmt.Errorf("profile '%s' not found", name)
	}
	f, err := p.field(key)
	if err != nil {
		return "", err
	}
	return *f, nil
}

// SetValue sets a "profile.key" value, creating the profile if needed.
func (c *Config) SetValue(path, value string) error {
	name, key, err := splitPath(path)
	if err != nil {
		return err
	}
	if c.Profiles == nil {
		c.Profiles = make(map[string]Profile)
	}
	p := c.Profiles[name]
	f, err := p.field(key)
	if err != nil {
		return err
	}
	*f = value
	c.Profiles[name] = p
	return nil
}

func splitPath(path string) (string, string, error) {
	name, key, ok := strings.Cut(path, ".")
	if !ok || name == "" || key == "" {
		return "", "", fmt.Errorf("invalid key format, expected 'profile.key' (e.g., 'default.region')")
	}
	return name, key, nil
}

// MaskKey hides all but the first four characters of an API key.
func MaskKey(key string) string {
	if len(key) > 4 {
		return key[:4] + "***"
	}
	return "***"
}
