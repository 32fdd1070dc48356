package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eteran/strata/internal/config"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600), "write config")
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFile(writeConfig(t, "storage:\n  data_dir: /srv/strata\n"))
	require.NoError(t, err)

	require.Equal(t, config.DefaultRegion, cfg.Server.Region)
	require.Equal(t, config.DefaultListenAddr, cfg.Server.ListenAddress)
	require.Equal(t, "/srv/strata", cfg.Storage.DataDir)
	require.Equal(t, filepath.Join("/srv/strata", config.DefaultDatabaseName), cfg.Storage.DatabasePath())
	require.Equal(t, "block", cfg.Buckets.DeletePolicy.Objects)
	require.True(t, cfg.Multipart.Sweep.Enabled)
	require.False(t, cfg.Multipart.RequireSignature)
	require.Equal(t, 5*time.Minute, cfg.Multipart.Sweep.Interval())
	require.Equal(t, 24*time.Hour, cfg.Multipart.Sweep.StaleAfter())
	require.Len(t, cfg.Auth.Credentials, 1)
	require.False(t, cfg.Server.TLS.Enabled())
}

func TestLoadFileOverrides(t *testing.T) {
	t.Parallel()

	body := `
server:
  listen_address: 127.0.0.1:9100
  log_level: debug
  tls:
    cert_file: /etc/strata/cert.pem
    key_file: /etc/strata/key.pem
storage:
  database: /var/lib/strata/meta.db
auth:
  credentials:
    - access_key_id: alice
      secret_access_key: s3cret
    - access_key_id: bob
      secret_access_key: hunter2
buckets:
  delete_policy:
    objects: cascade
multipart:
  require_signature: true
  sweep:
    stale_after_seconds: 60
`
	cfg, err := config.LoadFile(writeConfig(t, body))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9100", cfg.Server.ListenAddress)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.True(t, cfg.Server.TLS.Enabled())
	require.Equal(t, "/var/lib/strata/meta.db", cfg.Storage.DatabasePath(), "absolute database path is kept")
	require.Len(t, cfg.Auth.Credentials, 2, "credential list replaces the default")
	require.Equal(t, "cascade", cfg.Buckets.DeletePolicy.Objects)
	require.Equal(t, "block", cfg.Buckets.DeletePolicy.Uploads, "unset keys keep their default")
	require.Equal(t, time.Minute, cfg.Multipart.Sweep.StaleAfter())
	require.True(t, cfg.Multipart.RequireSignature)
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFileMalformed(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFile(writeConfig(t, "server: [unterminated\n"))
	require.ErrorContains(t, err, "parse config file")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*config.Config) {},
		},
		{
			name:    "missing region",
			mutate:  func(c *config.Config) { c.Server.Region = "" },
			wantErr: "server.region is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "loud" },
			wantErr: "server.log_level",
		},
		{
			name:    "half a key pair",
			mutate:  func(c *config.Config) { c.Server.TLS.CertFile = "cert.pem" },
			wantErr: "must be set together",
		},
		{
			name: "duplicate access key",
			mutate: func(c *config.Config) {
				c.Auth.Credentials = append(c.Auth.Credentials, c.Auth.Credentials[0])
			},
			wantErr: "repeats access key",
		},
		{
			name:    "no way in",
			mutate:  func(c *config.Config) { c.Auth.Credentials = nil },
			wantErr: "auth.allow_anonymous is false",
		},
		{
			name: "anonymous only",
			mutate: func(c *config.Config) {
				c.Auth.Credentials = nil
				c.Auth.AllowAnonymous = true
			},
		},
		{
			name:    "unknown cascade mode",
			mutate:  func(c *config.Config) { c.Buckets.DeletePolicy.Uploads = "sometimes" },
			wantErr: "buckets.delete_policy.uploads",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *config.Config) { c.Multipart.Sweep.SweepIntervalSeconds = 0 },
			wantErr: "sweep_interval_seconds must be > 0",
		},
		{
			name: "disabled sweep ignores interval",
			mutate: func(c *config.Config) {
				c.Multipart.Sweep.Enabled = false
				c.Multipart.Sweep.SweepIntervalSeconds = 0
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Server.ListenAddress = ""
	cfg.Storage.DataDir = ""

	err := cfg.Validate()
	require.ErrorContains(t, err, "server.listen_address")
	require.ErrorContains(t, err, "storage.data_dir")
}
