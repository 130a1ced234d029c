// Package config loads and validates the daemon's single JSON
// configuration file (§6). Validation is hand-rolled in go-mcast's
// manual-checks style (BootstrapGroup, checkRPCHeader in protocol.go):
// no go-playground/validator import was found anywhere in the
// retrieved pack, so this mirrors what the corpus actually does.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
)

var clientNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,32}$`)

// MQTTConfig configures the bus connection. CA/Cert/Key start as
// filesystem paths in the JSON file and are replaced in-place by
// their byte contents during Load (§6).
type MQTTConfig struct {
	Broker   string `json:"broker"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	CA       []byte `json:"ca,omitempty"`
	Cert     []byte `json:"cert,omitempty"`
	Key      []byte `json:"key,omitempty"`
}

// rawMQTTConfig mirrors MQTTConfig but keeps ca/cert/key as the
// path strings found in the JSON file, before path resolution.
type rawMQTTConfig struct {
	Broker   string `json:"broker"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	CA       string `json:"ca,omitempty"`
	Cert     string `json:"cert,omitempty"`
	Key      string `json:"key,omitempty"`
}

// MySQLConfig configures the database driver connection.
type MySQLConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// Config is the fully-loaded, validated daemon configuration.
type Config struct {
	MQTT                 MQTTConfig  `json:"-"`
	MySQL                MySQLConfig `json:"mysqlConfig"`
	SyncTables           []string    `json:"syncTables"`
	ReceiveTables        []string    `json:"receiveTables"`
	ClientName           string      `json:"clientName"`
	RemoteClients        []string    `json:"remoteClients"`
	QueueDirectory       string      `json:"queueDirectory"`
	CheckIntervalMillis  int         `json:"checkInterval"`
	LoggingLevel         string      `json:"loggingLevel,omitempty"`
	TransformerDirectory string      `json:"transformerDirectory,omitempty"`
	MetricsAddr          string      `json:"metricsAddr,omitempty"`

	rawMQTT rawMQTTConfig
}

type configFile struct {
	MQTT                  rawMQTTConfig `json:"mqttConfig"`
	MySQL                 MySQLConfig   `json:"mysqlConfig"`
	SyncTables            []string      `json:"syncTables"`
	ReceiveTables         []string      `json:"receiveTables"`
	ClientName            string        `json:"clientName"`
	RemoteClients         []string      `json:"remoteClients"`
	QueueDirectory        string        `json:"queueDirectory"`
	CheckInterval         int           `json:"checkInterval"`
	LoggingLevel          string        `json:"loggingLevel"`
	TransformerDirectory  string        `json:"transformerDirectory"`
	MetricsAddr           string        `json:"metricsAddr"`
}

// Load reads, parses, resolves path fields and validates the
// configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	var file configFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}

	cfg := &Config{
		MySQL:                file.MySQL,
		SyncTables:           file.SyncTables,
		ReceiveTables:        file.ReceiveTables,
		ClientName:           file.ClientName,
		RemoteClients:        file.RemoteClients,
		QueueDirectory:       file.QueueDirectory,
		CheckIntervalMillis:  file.CheckInterval,
		LoggingLevel:         strings.ToLower(strings.TrimSpace(file.LoggingLevel)),
		TransformerDirectory: file.TransformerDirectory,
		MetricsAddr:          file.MetricsAddr,
		rawMQTT:              file.MQTT,
	}
	if cfg.LoggingLevel == "" {
		cfg.LoggingLevel = logging.LevelInfo
	}

	if err := cfg.resolveMQTTPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveMQTTPaths reads ca/cert/key off disk and replaces the path
// strings with byte contents, per §6. Empty paths are left as nil.
func (c *Config) resolveMQTTPaths() error {
	c.MQTT.Broker = c.rawMQTT.Broker
	c.MQTT.Username = c.rawMQTT.Username
	c.MQTT.Password = c.rawMQTT.Password

	read := func(label, path string) ([]byte, error) {
		if path == "" {
			return nil, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: reading mqttConfig.%s", label)
		}
		return data, nil
	}

	var err error
	if c.MQTT.CA, err = read("ca", c.rawMQTT.CA); err != nil {
		return err
	}
	if c.MQTT.Cert, err = read("cert", c.rawMQTT.Cert); err != nil {
		return err
	}
	if c.MQTT.Key, err = read("key", c.rawMQTT.Key); err != nil {
		return err
	}
	return nil
}

// Validate checks every required field from §6 and aggregates all
// violations into a single error, in go-mcast's manual-checks
// style rather than a struct-tag validator.
func (c *Config) Validate() error {
	var problems []string

	if c.MQTT.Broker == "" {
		problems = append(problems, "mqttConfig.broker is required")
	}
	if c.MySQL.Host == "" {
		problems = append(problems, "mysqlConfig.host is required")
	}
	if c.MySQL.Database == "" {
		problems = append(problems, "mysqlConfig.database is required")
	}
	if len(c.SyncTables) == 0 && len(c.ReceiveTables) == 0 {
		problems = append(problems, "at least one of syncTables or receiveTables must be non-empty")
	}
	if !clientNamePattern.MatchString(c.ClientName) {
		problems = append(problems, "clientName must be 2-32 characters matching [A-Za-z0-9_-]")
	}
	if c.QueueDirectory == "" {
		problems = append(problems, "queueDirectory is required")
	}
	if c.CheckIntervalMillis < 1 {
		problems = append(problems, "checkInterval must be >= 1")
	}
	switch c.LoggingLevel {
	case logging.LevelError, logging.LevelWarn, logging.LevelInfo, logging.LevelDebug, logging.LevelTrace:
	default:
		problems = append(problems, fmt.Sprintf("loggingLevel %q is not one of error,warn,info,debug,trace", c.LoggingLevel))
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
}

// BidirectionalTables returns the intersection of SyncTables and
// ReceiveTables: tables requiring echo suppression.
func (c *Config) BidirectionalTables() map[string]struct{} {
	sync := toSet(c.SyncTables)
	out := make(map[string]struct{})
	for _, t := range c.ReceiveTables {
		if _, ok := sync[t]; ok {
			out[t] = struct{}{}
		}
	}
	return out
}

// SyncTableSet returns SyncTables as a set.
func (c *Config) SyncTableSet() map[string]struct{} {
	return toSet(c.SyncTables)
}

// ReceiveTableSet returns ReceiveTables as a set.
func (c *Config) ReceiveTableSet() map[string]struct{} {
	return toSet(c.ReceiveTables)
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
