// Package settings loads the optional user settings file that underlays
// command-line flags: serving defaults plus per-volume credentials so
// they need not be typed for every command.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the user's home directory.
const DefaultFileName = ".cumulus.yaml"

// VolumeCreds holds stored credentials for one volume.
type VolumeCreds struct {
	Backend    string `yaml:"backend"`
	Bucket     string `yaml:"bucket"`
	Volume     string `yaml:"volume"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
}

// Settings is the parsed settings file.
type Settings struct {
	Bind        string        `yaml:"bind"`
	Port        int           `yaml:"port"`
	MaxCache    uint64        `yaml:"max_cache"`
	Writers     int           `yaml:"writers"`
	ReadAhead   int           `yaml:"read_ahead"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Volumes     []VolumeCreds `yaml:"volumes"`
}

// Load parses the settings file at path; an empty path means the
// default location. A missing file yields empty settings.
func Load(path string) (*Settings, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &Settings{}, nil
		}
		path = filepath.Join(home, DefaultFileName)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &s, nil
}

// CredsFor returns the stored credentials matching a volume, or nil.
func (s *Settings) CredsFor(backend, bucket, volume string) *VolumeCreds {
	for i := range s.Volumes {
		c := &s.Volumes[i]
		if c.Backend == backend && c.Bucket == bucket && c.Volume == volume {
			return c
		}
	}
	return nil
}
