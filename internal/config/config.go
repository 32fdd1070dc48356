package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr   = ":9000"
	DefaultUIListenAddr = ":9001"
	DefaultRegion       = "us-east-1"
	DefaultLogLevel     = "info"
	DefaultDataDir      = "./data"
	DefaultDatabaseName = "strata.db"

	DefaultAccessKeyID     = "strataadmin"
	DefaultSecretAccessKey = "strataadmin"
)

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedCascadeModes = map[string]struct{}{
	"block":   {},
	"cascade": {},
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Buckets   BucketsConfig   `yaml:"buckets"`
	Multipart MultipartConfig `yaml:"multipart"`
	UI        UIConfig        `yaml:"ui"`
}

type ServerConfig struct {
	ListenAddress string    `yaml:"listen_address"`
	Region        string    `yaml:"region"`
	LogLevel      string    `yaml:"log_level"`
	TLS           TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	ListenAddress string `yaml:"listen_address"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
}

// Enabled reports whether both halves of the key pair were configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`

	// Database is the metadata database file. Relative paths are resolved
	// against DataDir.
	Database string `yaml:"database"`
}

// DatabasePath returns the location of the metadata database.
func (s StorageConfig) DatabasePath() string {
	if filepath.IsAbs(s.Database) {
		return s.Database
	}
	return filepath.Join(s.DataDir, s.Database)
}

type AuthConfig struct {
	AllowAnonymous bool         `yaml:"allow_anonymous"`
	Credentials    []Credential `yaml:"credentials"`
}

type Credential struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type BucketsConfig struct {
	DeletePolicy DeletePolicyConfig `yaml:"delete_policy"`
}

type DeletePolicyConfig struct {
	Objects string `yaml:"objects"`
	Uploads string `yaml:"uploads"`
}

type MultipartConfig struct {
	// RequireSignature rejects completing or aborting an upload without the
	// x-strata-upload-signature header issued when it was started. Leave it
	// off for stock S3 clients, which cannot send the header.
	RequireSignature bool        `yaml:"require_signature"`
	Sweep            SweepConfig `yaml:"sweep"`
}

type SweepConfig struct {
	Enabled              bool `yaml:"enabled"`
	StartupSweep         bool `yaml:"startup_sweep"`
	SweepIntervalSeconds int  `yaml:"sweep_interval_seconds"`
	StaleAfterSeconds    int  `yaml:"stale_after_seconds"`
	MaxAbortsPerSweep    int  `yaml:"max_aborts_per_sweep"`
}

func (s SweepConfig) Interval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

func (s SweepConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterSeconds) * time.Second
}

type UIConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddress: DefaultListenAddr,
			Region:        DefaultRegion,
			LogLevel:      DefaultLogLevel,
			TLS: TLSConfig{
				ListenAddress: ":8443",
			},
		},
		Storage: StorageConfig{
			DataDir:  DefaultDataDir,
			Database: DefaultDatabaseName,
		},
		Auth: AuthConfig{
			Credentials: []Credential{
				{AccessKeyID: DefaultAccessKeyID, SecretAccessKey: DefaultSecretAccessKey},
			},
		},
		Buckets: BucketsConfig{
			DeletePolicy: DeletePolicyConfig{
				Objects: "block",
				Uploads: "block",
			},
		},
		Multipart: MultipartConfig{
			Sweep: SweepConfig{
				Enabled:              true,
				StartupSweep:         true,
				SweepIntervalSeconds: 300,
				StaleAfterSeconds:    86400,
				MaxAbortsPerSweep:    1000,
			},
		},
		UI: UIConfig{
			ListenAddress: DefaultUIListenAddr,
		},
	}
}

// LoadFile reads the YAML file at path on top of the defaults and validates
// the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("config validation: server.listen_address is required"))
	}
	if c.Server.Region == "" {
		errs = append(errs, errors.New("config validation: server.region is required"))
	}
	if _, ok := allowedLogLevels[strings.ToLower(c.Server.LogLevel)]; !ok {
		errs = append(errs, fmt.Errorf("config validation: server.log_level must be one of [debug info warn error], got %q", c.Server.LogLevel))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("config validation: server.tls.cert_file and server.tls.key_file must be set together"))
	}
	if c.Server.TLS.Enabled() && c.Server.TLS.ListenAddress == "" {
		errs = append(errs, errors.New("config validation: server.tls.listen_address is required when tls is enabled"))
	}

	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("config validation: storage.data_dir is required"))
	}
	if c.Storage.Database == "" {
		errs = append(errs, errors.New("config validation: storage.database is required"))
	}

	seen := make(map[string]struct{}, len(c.Auth.Credentials))
	for i, cred := range c.Auth.Credentials {
		if cred.AccessKeyID == "" || cred.SecretAccessKey == "" {
			errs = append(errs, fmt.Errorf("config validation: auth.credentials[%d] needs both access_key_id and secret_access_key", i))
			continue
		}
		if _, dup := seen[cred.AccessKeyID]; dup {
			errs = append(errs, fmt.Errorf("config validation: auth.credentials[%d] repeats access key %q", i, cred.AccessKeyID))
		}
		seen[cred.AccessKeyID] = struct{}{}
	}
	if len(c.Auth.Credentials) == 0 && !c.Auth.AllowAnonymous {
		errs = append(errs, errors.New("config validation: auth.credentials is empty and auth.allow_anonymous is false"))
	}

	if _, ok := allowedCascadeModes[c.Buckets.DeletePolicy.Objects]; !ok {
		errs = append(errs, fmt.Errorf("config validation: buckets.delete_policy.objects must be one of [block cascade], got %q", c.Buckets.DeletePolicy.Objects))
	}
	if _, ok := allowedCascadeModes[c.Buckets.DeletePolicy.Uploads]; !ok {
		errs = append(errs, fmt.Errorf("config validation: buckets.delete_policy.uploads must be one of [block cascade], got %q", c.Buckets.DeletePolicy.Uploads))
	}

	sweep := c.Multipart.Sweep
	if sweep.Enabled {
		if sweep.SweepIntervalSeconds <= 0 {
			errs = append(errs, errors.New("config validation: multipart.sweep.sweep_interval_seconds must be > 0"))
		}
		if sweep.StaleAfterSeconds <= 0 {
			errs = append(errs, errors.New("config validation: multipart.sweep.stale_after_seconds must be > 0"))
		}
	}
	if sweep.MaxAbortsPerSweep < 0 {
		errs = append(errs, errors.New("config validation: multipart.sweep.max_aborts_per_sweep must be >= 0"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
