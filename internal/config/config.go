// Package config loads the broker's flat key=value configuration file.
package config

import (
	"fmt"

	"github.com/magiconair/properties"
)

// Config mirrors the configuration keys documented in SPEC_FULL.md §6.
type Config struct {
	Spool          string `properties:"spool"`
	PidFile        string `properties:"pid_file"`
	LogIdent       string `properties:"log_ident,default=stompd"`
	LogFacility    string `properties:"log_facility,default=daemon"`
	DBMaxQueueSize int    `properties:"db_max_queue_size,default=1024"`
	DBType         string `properties:"db_type,default=tree"`
	Backlog        int    `properties:"backlog,default=128"`
	NoLogin        bool   `properties:"no_login,default=false"`
	PersistDB      string `properties:"persist_db,default=stompd.db"`
	UsersDB        string `properties:"users_db,default=users.txt"`
	Listen         string `properties:"listen,default=:40090"`

	// Ambient additions (not in the original wire format, documented
	// defaults keep pre-existing config files working unmodified).
	LogLevel       string `properties:"log_level,default=info"`
	LogFormat      string `properties:"log_format,default=json"`
	MetricsListen  string `properties:"metrics_listen,default="`
	MaxConnections int    `properties:"max_connections,default=10000"`
}

// Load reads and decodes the properties file at path.
func Load(path string) (*Config, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	var cfg Config
	if err := p.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %q: %w", path, err)
	}

	if cfg.DBMaxQueueSize < 1 {
		cfg.DBMaxQueueSize = 1
	}
	if cfg.Backlog < 1 {
		cfg.Backlog = 1
	}

	return &cfg, nil
}
