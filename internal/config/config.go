// Package config implements the Adapter's layered configuration loader:
// built-in defaults, overridden by an optional YAML file, overridden by
// environment variables, overridden by CLI flags — in that order, matching
// spec.md §6's recognized option set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved Adapter configuration.
type Config struct {
	PosID string `yaml:"pos_id" long:"pos_id" description:"identifier of this terminal"`

	BufferPath         string `yaml:"buffer_path" long:"buffer_path" description:"sqlite database file path"`
	BufferCapacity     int    `yaml:"buffer_capacity" long:"buffer_capacity" description:"durable buffer capacity"`
	BufferAlertPercent int    `yaml:"buffer_alert_percent" long:"buffer_alert_percent"`
	BufferBlockPercent int    `yaml:"buffer_block_percent" long:"buffer_block_percent"`

	CBFailureThreshold int `yaml:"cb_failure_threshold" long:"cb_failure_threshold"`
	CBRecoveryTimeoutS int `yaml:"cb_recovery_timeout_s" long:"cb_recovery_timeout_s"`
	CBSuccessThreshold int `yaml:"cb_success_threshold" long:"cb_success_threshold"`

	OFDBaseURL  string `yaml:"ofd_base_url" long:"ofd_base_url"`
	OFDTimeoutS int    `yaml:"ofd_timeout_s" long:"ofd_timeout_s"`

	KKTTimeoutS int `yaml:"kkt_timeout_s" long:"kkt_timeout_s"`

	SyncIntervalS  int `yaml:"sync_interval_s" long:"sync_interval_s"`
	SyncBatchSize  int `yaml:"sync_batch_size" long:"sync_batch_size"`
	SyncMaxRetries int `yaml:"sync_max_retries" long:"sync_max_retries"`
	SyncLockTTLS   int `yaml:"sync_lock_ttl_s" long:"sync_lock_ttl_s"`
	EtcdEndpoints  []string `yaml:"etcd_endpoints" long:"etcd_endpoints"`

	HeartbeatERPURL           string `yaml:"heartbeat_erp_url" long:"heartbeat_erp_url"`
	HeartbeatIntervalS        int    `yaml:"heartbeat_interval_s" long:"heartbeat_interval_s"`
	HeartbeatOnlineSuccesses  int    `yaml:"heartbeat_online_successes" long:"heartbeat_online_successes"`
	HeartbeatOfflineFailures  int    `yaml:"heartbeat_offline_failures" long:"heartbeat_offline_failures"`

	HTTPListenAddr string `yaml:"http_listen_addr" long:"http_listen_addr"`
	TLSCertPath    string `yaml:"tls_cert_path" long:"tls_cert_path"`
	TLSKeyPath     string `yaml:"tls_key_path" long:"tls_key_path"`

	OperatorDBPath string `yaml:"operator_db_path" long:"operator_db_path"`

	LogFile  string `yaml:"log_file" long:"log_file"`
	LogLevel string `yaml:"log_level" long:"log_level"`

	ConfigFile string `yaml:"-" long:"config" description:"path to a YAML config file"`
}

// Default returns the built-in defaults enumerated in spec.md §6.
func Default() Config {
	return Config{
		PosID: "POS-001",

		BufferPath:         "adapter.db",
		BufferCapacity:     200,
		BufferAlertPercent: 80,
		BufferBlockPercent: 100,

		CBFailureThreshold: 5,
		CBRecoveryTimeoutS: 60,
		CBSuccessThreshold: 2,

		OFDTimeoutS: 10,
		KKTTimeoutS: 10,

		SyncIntervalS:  60,
		SyncBatchSize:  50,
		SyncMaxRetries: 20,
		SyncLockTTLS:   300,

		HeartbeatIntervalS:       30,
		HeartbeatOnlineSuccesses: 2,
		HeartbeatOfflineFailures: 3,

		HTTPListenAddr: "0.0.0.0:8443",
		TLSCertPath:    "tls.cert",
		TLSKeyPath:     "tls.key",

		OperatorDBPath: "operator.db",

		LogFile:  "adapter.log",
		LogLevel: "info",
	}
}

// Load resolves Config by applying, in increasing precedence: built-in
// defaults, an optional YAML file (args or $ADAPTER_CONFIG), environment
// variables (ADAPTER_* ), then CLI flags in args.
func Load(args []string) (*Config, error) {
	cfg := Default()

	// A first pass extracts only --config, since the YAML file must be
	// applied before env/flags so later layers can still override it.
	var probe struct {
		ConfigFile string `long:"config"`
	}
	probeParser := flags.NewParser(&probe, flags.IgnoreUnknown)
	if _, err := probeParser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("parse args (probe): %w", err)
	}
	if probe.ConfigFile == "" {
		probe.ConfigFile = os.Getenv("ADAPTER_CONFIG")
	}
	if probe.ConfigFile != "" {
		if err := applyYAMLFile(&cfg, probe.ConfigFile); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv maps ADAPTER_* environment variables onto the Config fields
// listed below. Fields not listed (etcd_endpoints among them) are set only
// through YAML or flags.
func applyEnv(cfg *Config) {
	strField := map[string]*string{
		"ADAPTER_POS_ID":            &cfg.PosID,
		"ADAPTER_BUFFER_PATH":       &cfg.BufferPath,
		"ADAPTER_OFD_BASE_URL":      &cfg.OFDBaseURL,
		"ADAPTER_HEARTBEAT_ERP_URL": &cfg.HeartbeatERPURL,
		"ADAPTER_HTTP_LISTEN_ADDR":  &cfg.HTTPListenAddr,
		"ADAPTER_LOG_FILE":          &cfg.LogFile,
		"ADAPTER_LOG_LEVEL":         &cfg.LogLevel,
	}
	for env, dst := range strField {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	intField := map[string]*int{
		"ADAPTER_BUFFER_CAPACITY":      &cfg.BufferCapacity,
		"ADAPTER_BUFFER_ALERT_PERCENT": &cfg.BufferAlertPercent,
		"ADAPTER_BUFFER_BLOCK_PERCENT": &cfg.BufferBlockPercent,
		"ADAPTER_SYNC_INTERVAL_S":      &cfg.SyncIntervalS,
		"ADAPTER_SYNC_BATCH_SIZE":      &cfg.SyncBatchSize,
		"ADAPTER_SYNC_MAX_RETRIES":     &cfg.SyncMaxRetries,
	}
	for env, dst := range intField {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

// Validate rejects configurations that would violate an invariant before
// any subsystem starts, per SPEC_FULL.md §2's "validation before any
// subsystem starts" directive.
func Validate(cfg *Config) error {
	if cfg.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be positive")
	}
	if cfg.BufferAlertPercent < 0 || cfg.BufferAlertPercent > 100 {
		return fmt.Errorf("buffer_alert_percent must be within [0,100]")
	}
	if cfg.BufferBlockPercent < cfg.BufferAlertPercent || cfg.BufferBlockPercent > 100 {
		return fmt.Errorf("buffer_block_percent must be within [buffer_alert_percent,100]")
	}
	if cfg.SyncBatchSize <= 0 {
		return fmt.Errorf("sync_batch_size must be positive")
	}
	if cfg.PosID == "" {
		return fmt.Errorf("pos_id is required")
	}
	return nil
}

// SyncInterval/OFDTimeout/etc. convert the int-seconds fields to
// time.Duration for the packages that consume them.
func (c Config) SyncInterval() time.Duration     { return time.Duration(c.SyncIntervalS) * time.Second }
func (c Config) SyncLockTTL() time.Duration      { return time.Duration(c.SyncLockTTLS) * time.Second }
func (c Config) OFDTimeout() time.Duration       { return time.Duration(c.OFDTimeoutS) * time.Second }
func (c Config) KKTTimeout() time.Duration       { return time.Duration(c.KKTTimeoutS) * time.Second }
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}
