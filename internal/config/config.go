// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package config handles configuration loading for the MSH.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and key paths to be injected at runtime.
//
// # Configuration Sections
//
//   - node: the local party and the host used in generated ids
//   - storage: sqlite (default) or mongodb
//   - pmodes: directory of P-Mode YAML files
//   - security: node credential and trust roots
//   - transport: outbound HTTP client settings
//   - reliability: reception awareness loop and duplicate elimination log
//   - flows: receiver settings of the submit, send, receive, deliver, pull
//     and notify flows
//   - logging, metrics: observability
//   - admin: health probes and the operator API
//
// # Example Configuration
//
//	node:
//	  partyId: blue
//	  host: blue.example.com
//
//	storage:
//	  type: sqlite
//	  sqlite:
//	    path: /var/lib/msh/msh.db
//
//	pmodes:
//	  dir: /etc/msh/pmodes
//
//	security:
//	  certificateFile: /etc/msh/blue.crt
//	  privateKeyFile: ${MSH_KEY_FILE}
//
//	flows:
//	  submit:
//	    enabled: true
//	    pmode: invoice-push
//	    settings:
//	      - {key: FilePath, value: /var/spool/msh/outbox}
//	  receive:
//	    enabled: true
//	    settings:
//	      - {key: Url, value: "http://0.0.0.0:8080/as4"}
//	      - {key: RequestsPerSecond, value: "50"}
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/pkg/receiver"
)

// Config is the root configuration structure
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	PModes      PModeConfig       `yaml:"pmodes"`
	Security    SecurityConfig    `yaml:"security"`
	Transport   TransportConfig   `yaml:"transport"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Flows       FlowsConfig       `yaml:"flows"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Admin       AdminConfig       `yaml:"admin"`
}

// NodeConfig identifies the local MSH
type NodeConfig struct {
	PartyID   string `yaml:"partyId"`
	PartyType string `yaml:"partyType"`
	// Host is the right-hand side of generated message ids
	Host string `yaml:"host"`
	// MultihopRole is the SOAP role marking a message for an intermediary
	MultihopRole string `yaml:"multihopRole"`
}

// StorageConfig selects and configures the backend
type StorageConfig struct {
	Type    string        `yaml:"type"` // sqlite or mongodb
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busyTimeout"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI             string `yaml:"uri"`
	Database        string `yaml:"database"`
	InlineBodyLimit int    `yaml:"inlineBodyLimit"`
	GridFS          struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// PModeConfig locates the P-Mode files
type PModeConfig struct {
	Dir string `yaml:"dir"`
	// Watch reloads the directory when the config file changes
	Watch bool `yaml:"watch"`
}

// SecurityConfig names the node credential and trust roots
type SecurityConfig struct {
	CertificateFile string `yaml:"certificateFile"`
	PrivateKeyFile  string `yaml:"privateKeyFile"`
	TrustRootsFile  string `yaml:"trustRootsFile"`
	// RequireSignature rejects unsigned inbound user messages
	RequireSignature bool `yaml:"requireSignature"`
	// MaxPayloadSize bounds a decompressed inbound payload in bytes
	MaxPayloadSize int64 `yaml:"maxPayloadSize"`
}

// TransportConfig holds outbound HTTP client settings
type TransportConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	IdleConnTimeout time.Duration `yaml:"idleConnTimeout"`
	// ClientCertificate presents the node credential for mutual TLS
	ClientCertificate bool `yaml:"clientCertificate"`
}

// ReliabilityConfig drives reception awareness and duplicate elimination
type ReliabilityConfig struct {
	// PollInterval is how often due retry records are collected
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
	Duplicates   struct {
		// Path of the Pebble duplicate elimination log
		Path string `yaml:"path"`
		// Window applies when a P-Mode enables detection without one
		Window        time.Duration `yaml:"window"`
		PurgeInterval time.Duration `yaml:"purgeInterval"`
	} `yaml:"duplicates"`
}

// FlowConfig configures the receiver of one flow
type FlowConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Settings receiver.Settings `yaml:"settings"`
}

// SubmitFlowConfig picks up payload files from the business application
type SubmitFlowConfig struct {
	FlowConfig `yaml:",inline"`
	// PMode is the P-Mode id submitted payloads are sent under
	PMode string `yaml:"pmode"`
}

// DeliverFlowConfig hands received payloads to the business application
type DeliverFlowConfig struct {
	FlowConfig `yaml:",inline"`
	Directory  string `yaml:"directory"`
}

// NotifyConfig selects where exceptions are reported
type NotifyConfig struct {
	// URL receives each exception as a JSON POST
	URL string `yaml:"url"`
	// Directory receives each exception as a JSON file when URL is empty
	Directory string `yaml:"directory"`
}

// FlowsConfig holds all flows
type FlowsConfig struct {
	Submit  SubmitFlowConfig  `yaml:"submit"`
	Send    FlowConfig        `yaml:"send"`
	Receive FlowConfig        `yaml:"receive"`
	Deliver DeliverFlowConfig `yaml:"deliver"`
	Pull    FlowConfig        `yaml:"pull"`
	Notify  NotifyConfig      `yaml:"notify"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// AdminConfig exposes health probes and the operator API
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// Token is the bearer token required by /api routes; empty leaves them open
	Token string `yaml:"token"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolveRelativePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes, defaults and validates configuration data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Node.Host == "" {
		c.Node.Host = "msh.local"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "data/msh.db"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "msh"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "bodies"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}
	if c.Transport.IdleConnTimeout == 0 {
		c.Transport.IdleConnTimeout = 90 * time.Second
	}
	if c.Reliability.PollInterval == 0 {
		c.Reliability.PollInterval = 5 * time.Second
	}
	if c.Reliability.BatchSize == 0 {
		c.Reliability.BatchSize = 50
	}
	if c.Reliability.Duplicates.Path == "" {
		c.Reliability.Duplicates.Path = "data/duplicates"
	}
	if c.Reliability.Duplicates.Window == 0 {
		c.Reliability.Duplicates.Window = 24 * time.Hour
	}
	if c.Reliability.Duplicates.PurgeInterval == 0 {
		c.Reliability.Duplicates.PurgeInterval = time.Hour
	}
	if c.Flows.Deliver.Directory == "" {
		c.Flows.Deliver.Directory = "data/inbox"
	}
	c.Flows.Send.Settings = withDefault(c.Flows.Send.Settings,
		receiver.Setting{Key: "Table", Value: "OutMessages"},
		receiver.Setting{Key: "Filter", Value: "ToBeSent", Attributes: map[string]string{"field": "Operation"}},
		receiver.Setting{Key: "Update", Value: "Sending", Attributes: map[string]string{"field": "Operation"}},
	)
	c.Flows.Deliver.Settings = withDefault(c.Flows.Deliver.Settings,
		receiver.Setting{Key: "Table", Value: "InMessages"},
		receiver.Setting{Key: "Filter", Value: "ToBeDelivered", Attributes: map[string]string{"field": "Operation"}},
		receiver.Setting{Key: "Update", Value: "Delivering", Attributes: map[string]string{"field": "Operation"}},
	)
	if c.Security.MaxPayloadSize == 0 {
		c.Security.MaxPayloadSize = 64 << 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = ":8081"
	}
}

// withDefault appends each default whose key is not set.
func withDefault(settings receiver.Settings, defaults ...receiver.Setting) receiver.Settings {
	for _, d := range defaults {
		if _, ok := settings.Lookup(d.Key); !ok {
			settings = append(settings, d)
		}
	}
	return settings
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "sqlite":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.type must be 'sqlite' or 'mongodb', got '%s'", c.Storage.Type)
	}

	if (c.Security.CertificateFile == "") != (c.Security.PrivateKeyFile == "") {
		return fmt.Errorf("security.certificateFile and security.privateKeyFile must be set together")
	}
	if c.Transport.ClientCertificate && c.Security.CertificateFile == "" {
		return fmt.Errorf("transport.clientCertificate needs security.certificateFile")
	}

	if c.Flows.Submit.Enabled && c.Flows.Submit.PMode == "" {
		return fmt.Errorf("flows.submit.pmode is required when the submit flow is enabled")
	}
	if (c.Flows.Submit.Enabled || c.Flows.Pull.Enabled) && c.PModes.Dir == "" {
		return fmt.Errorf("pmodes.dir is required by the submit and pull flows")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got '%s'", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}

	if c.Reliability.PollInterval < 0 || c.Reliability.BatchSize < 0 {
		return fmt.Errorf("reliability.pollInterval and reliability.batchSize must not be negative")
	}
	return nil
}

// resolveRelativePaths anchors relative file paths at the config file directory.
func (c *Config) resolveRelativePaths(base string) {
	for _, p := range []*string{
		&c.Storage.SQLite.Path,
		&c.PModes.Dir,
		&c.Security.CertificateFile,
		&c.Security.PrivateKeyFile,
		&c.Security.TrustRootsFile,
		&c.Reliability.Duplicates.Path,
		&c.Flows.Deliver.Directory,
		&c.Flows.Notify.Directory,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}
