package model_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailer/internal/model"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, model.DefaultAppConfig(), cfg)

	cfg, err = model.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Dispatch.Interval)
	assert.Equal(t, 5, cfg.Dispatch.MaxConnections)
	assert.Equal(t, 100, cfg.Dispatch.MaxMessagesPerConnection)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database:
  path: /var/lib/mailer/app.db
dispatch:
  interval: 3s
  max_connections: 2
  workers: 4
smtp:
  tls_mode: starttls
sent_copy:
  enabled: true
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := model.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mailer/app.db", cfg.Database.Path)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 2, cfg.Dispatch.MaxConnections)
	assert.Equal(t, 100, cfg.Dispatch.MaxMessagesPerConnection)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, "starttls", cfg.SMTP.TLSMode)
	assert.Equal(t, 30*time.Second, cfg.SMTP.DialTimeout)
	assert.True(t, cfg.SentCopy.Enabled)
	assert.Equal(t, "Sent", cfg.SentCopy.Mailbox)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MAILER_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("MAILER_DISPATCH_INTERVAL", "250ms")
	t.Setenv("MAILER_CREDENTIALS_BACKEND", "keyring")

	cfg, err := model.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.Interval)
	assert.Equal(t, "keyring", cfg.Credentials.Backend)
}

func TestLoadConfigValidation(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("dispatch:\n  interval: 0s\n"), 0o644))
	_, err := model.LoadConfig(bad)
	assert.ErrorContains(t, err, "dispatch.interval")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("dispatch: [unclosed\n"), 0o644))
	_, err = model.LoadConfig(broken)
	assert.Error(t, err)

	clamp := filepath.Join(dir, "clamp.yaml")
	require.NoError(t, os.WriteFile(clamp, []byte("dispatch:\n  workers: 0\n"), 0o644))
	cfg, err := model.LoadConfig(clamp)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Dispatch.Workers)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := model.DefaultAppConfig()
	cfg.Dispatch.Interval = 2 * time.Second
	cfg.DKIM = model.DKIMConfig{Selector: "mail", Domain: "example.com", KeyPath: "/etc/dkim.pem"}
	cfg.Metrics.Addr = ":9090"

	require.NoError(t, model.SaveConfig(path, cfg))

	loaded, err := model.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
