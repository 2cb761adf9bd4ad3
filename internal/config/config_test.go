package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/triphase-signer/internal/config"
	"github.com/rezonia/triphase-signer/internal/signature/pdf"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "SHA256withRSA", cfg.Signing.Algorithm)
	assert.True(t, cfg.Signing.ShadowAttack.Enabled)

	limit, requested, err := cfg.Signing.ShadowAttack.Bounds()
	require.NoError(t, err)
	assert.Equal(t, pdf.AllPages, limit)
	assert.Equal(t, pdf.AllPages, requested)
}

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(`
server:
  address: 127.0.0.1:9000
  request-timeout: 45s
trust:
  roots-file: /etc/triphase/roots.pem
  system-roots: false
  soft-fail: true
signing:
  algorithm: SHA512withRSA
  shadow-attack:
    max-pages: 10
    pages: 3
logging:
  json: true
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address)
	assert.Equal(t, 45*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout, "unset keys keep their default")
	assert.Equal(t, "/etc/triphase/roots.pem", cfg.Trust.RootsFile)
	assert.False(t, cfg.Trust.SystemRoots)
	assert.True(t, cfg.Trust.SoftFail)
	assert.Equal(t, "SHA512withRSA", cfg.Signing.Algorithm)
	assert.True(t, cfg.Logging.JSON)

	limit, requested, err := cfg.Signing.ShadowAttack.Bounds()
	require.NoError(t, err)
	assert.Equal(t, pdf.PageBound(10), limit)
	assert.Equal(t, pdf.PageBound(3), requested)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "server:\n  port: 80\n"},
		{"bad duration", "server:\n  read-timeout: soon\n"},
		{"not a map", "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			var ce *config.ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := config.Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"TRIPHASE_SERVER_ADDRESS":  ":9443",
		"TRIPHASE_REVOCATION":      "false",
		"TRIPHASE_OCSP_TIMEOUT":    "3s",
		"TRIPHASE_SHADOW_PAGES":    "2",
		"TRIPHASE_MAX_BODY_BYTES":  "1024",
		"TRIPHASE_LOG_JSON":        "1",
		"UNRELATED_SERVER_ADDRESS": ":1",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Server.Address)
	assert.False(t, cfg.Trust.Revocation)
	assert.Equal(t, 3*time.Second, cfg.Trust.OCSPTimeout)
	assert.Equal(t, "2", cfg.Signing.ShadowAttack.Pages)
	assert.Equal(t, int64(1024), cfg.Server.MaxBodyBytes)
	assert.True(t, cfg.Logging.JSON)
}

func TestApplyEnv_Rejects(t *testing.T) {
	for _, vars := range []map[string]string{
		{"TRIPHASE_VERBOSE": "sometimes"},
		{"TRIPHASE_READ_TIMEOUT": "10"},
		{"TRIPHASE_MAX_BODY_BYTES": "lots"},
	} {
		cfg := config.Default()
		err := cfg.ApplyEnv(env(vars))
		var ce *config.ConfigError
		assert.ErrorAs(t, err, &ce, "%v", vars)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"algorithm", func(c *config.Config) { c.Signing.Algorithm = "MD5withRSA" }, "signing.algorithm"},
		{"max pages", func(c *config.Config) { c.Signing.ShadowAttack.MaxPages = "some" }, "signing.shadow-attack.max-pages"},
		{"pages", func(c *config.Config) { c.Signing.ShadowAttack.Pages = "-3" }, "signing.shadow-attack.pages"},
		{"body limit", func(c *config.Config) { c.Server.MaxBodyBytes = 0 }, "server.max-body-bytes"},
		{"request timeout", func(c *config.Config) { c.Server.RequestTimeout = 0 }, "server.request-timeout"},
		{"ocsp timeout", func(c *config.Config) { c.Trust.OCSPTimeout = 0 }, "trust.ocsp-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ce *config.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triphase.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signing:\n  algorithm: SHA384withECDSA\n"), 0o600))
	t.Setenv("TRIPHASE_SERVER_ADDRESS", ":7070")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "SHA384withECDSA", cfg.Signing.Algorithm)
	assert.Equal(t, ":7070", cfg.Server.Address)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
