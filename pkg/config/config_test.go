package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessDefaults(t *testing.T) {
	os.Clearenv()
	require.NoError(t, os.Setenv("MAILGRAM_TELEGRAM_TOKEN", "token123"))

	c, err := Process()
	require.NoError(t, err)

	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "0.0.0.0:1025", c.SMTP.Addr)
	assert.Equal(t, 50, c.SMTP.MaxRecipients)
	assert.Equal(t, 100*1024*1024, c.SMTP.MaxMessageBytes)
	assert.Equal(t, "https://api.telegram.org", c.Telegram.APIRoot)
	assert.Equal(t, "token123", c.Telegram.Token)
	assert.Equal(t, []string{"example.com"}, c.Relay.LocalDomains)
	assert.Equal(t, 3, c.Relay.MaxAttempts)
	assert.Equal(t, 500, c.Relay.HistorySize)
	assert.False(t, c.Web.Enabled)
}

func TestProcessRequiresToken(t *testing.T) {
	os.Clearenv()

	_, err := Process()
	assert.Error(t, err)
}

func TestProcessOverrides(t *testing.T) {
	os.Clearenv()
	require.NoError(t, os.Setenv("MAILGRAM_TELEGRAM_TOKEN", "token123"))
	require.NoError(t, os.Setenv("MAILGRAM_RELAY_LOCALDOMAINS", "mail.local,cam.local"))
	require.NoError(t, os.Setenv("MAILGRAM_SMTP_ADDR", "127.0.0.1:2525"))

	c, err := Process()
	require.NoError(t, err)

	assert.Equal(t, []string{"mail.local", "cam.local"}, c.Relay.LocalDomains)
	assert.Equal(t, "127.0.0.1:2525", c.SMTP.Addr)
}

func TestLoadAliasesEmptyPath(t *testing.T) {
	aliases, err := LoadAliases("")
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestLoadAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	content := "alerts: \"-10012345!55\"\nbackups: id777\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	aliases, err := LoadAliases(path)
	require.NoError(t, err)
	assert.Equal(t, "-10012345!55", aliases["alerts"])
	assert.Equal(t, "id777", aliases["backups"])
}

func TestLoadAliasesMissingFile(t *testing.T) {
	_, err := LoadAliases(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadAliasesBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0644))

	_, err := LoadAliases(path)
	assert.Error(t, err)
}
