// Package config loads the single *Config passed by pointer into every
// component constructor, per the teacher's pattern of threading *cmn.Config
// through transport.newBase, stats.runner, et al. rather than reading a
// process-wide global.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConf      `yaml:"server"`
	Database    DatabaseConf    `yaml:"database"`
	Cluster     ClusterConf     `yaml:"cluster"`
	Timing      TimingConf      `yaml:"timing"`
	Log         LogConf         `yaml:"log"`
}

type ServerConf struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DatabaseConf struct {
	Path          string `yaml:"path"`           // buntdb file path, ":memory:" for in-memory
	BackupDir     string `yaml:"backup_dir"`      // db_bkp/
	AutoBkpKeep   int    `yaml:"autobkp_num_keep"`
}

type ClusterConf struct {
	Role         string        `yaml:"role"` // "primary" | "split" | "mirror"
	PrimaryAddr  string        `yaml:"primary_addr"`
	ListenAddr   string        `yaml:"listen_addr"`
	AckRetries   int           `yaml:"ack_retries"`
	AckInitDelay time.Duration `yaml:"ack_init_delay"`
	AckMaxDelay  time.Duration `yaml:"ack_max_delay"`
}

type TimingConf struct {
	OffsetWatchInterval time.Duration `yaml:"offset_watch_interval"`
	OffsetDriftLimit    time.Duration `yaml:"offset_drift_limit"`
}

type LogConf struct {
	Verbosity int32  `yaml:"verbosity"`
	Path      string `yaml:"path"` // empty => stderr
}

func Default() *Config {
	return &Config{
		Server: ServerConf{ListenAddr: ":5000"},
		Database: DatabaseConf{
			Path:        "racecore.db",
			BackupDir:   "db_bkp",
			AutoBkpKeep: 30,
		},
		Cluster: ClusterConf{
			Role:         "primary",
			AckRetries:   8,
			AckInitDelay: 200 * time.Millisecond,
			AckMaxDelay:  5 * time.Second,
		},
		Timing: TimingConf{
			OffsetWatchInterval: 10 * time.Second,
			OffsetDriftLimit:    30 * time.Second,
		},
		Log: LogConf{Verbosity: 1},
	}
}

// Load reads YAML at path over the defaults; a missing file is not an
// error (defaults apply, consistent with spec §7's preference for
// degraded-but-usable startup over a hard failure).
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}
