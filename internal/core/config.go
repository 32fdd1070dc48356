package core

import (
	"github.com/eteran/strata/internal/auth"
	"github.com/eteran/strata/internal/meta"
	"github.com/eteran/strata/internal/policy"
	"github.com/eteran/strata/internal/storage"
)

type Config struct {
	DataDir string

	// DatabasePath is the metadata database. Defaults to strata.db under
	// DataDir.
	DatabasePath string

	Region        string
	Engine        storage.StorageEngine
	Authenticator auth.AuthEngine
	Policy        policy.Evaluator
	DeletePolicy  meta.DeletePolicy

	// AllowAnonymous lets requests without credentials through to the
	// policy evaluator instead of rejecting them outright.
	AllowAnonymous bool

	// RequireUploadSignature makes completing or aborting a multipart
	// upload require its upload signature. Otherwise the principal that
	// started the upload may finish it without one.
	RequireUploadSignature bool
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithPolicy(evaluator policy.Evaluator) ConfigOption {
	return func(cfg *Config) {
		cfg.Policy = evaluator
	}
}

func WithDeletePolicy(p meta.DeletePolicy) ConfigOption {
	return func(cfg *Config) {
		cfg.DeletePolicy = p
	}
}

func WithAnonymousAccess(allow bool) ConfigOption {
	return func(cfg *Config) {
		cfg.AllowAnonymous = allow
	}
}

func WithUploadSignatureRequired(required bool) ConfigOption {
	return func(cfg *Config) {
		cfg.RequireUploadSignature = required
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithDatabasePath(path string) ConfigOption {
	return func(cfg *Config) {
		cfg.DatabasePath = path
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
