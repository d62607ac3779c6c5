package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PUBLIC_IP", "203.0.113.7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.False(t, cfg.EnableSSL)
	assert.True(t, cfg.EnableSIPGateway)
	assert.Equal(t, "127.0.0.1:5060", cfg.SIPServerAddr())
	assert.Equal(t, "127.0.0.1:22222", cfg.RTPEngineAddr())
	assert.Equal(t, "0.0.0.0:5060", cfg.LocalSIPAddr())
	assert.Equal(t, "203.0.113.7", cfg.PublicIP)
	assert.Equal(t, 50, cfg.MaxSessions)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8443")
	t.Setenv("SIP_SERVER_HOST", "10.0.0.2")
	t.Setenv("SIP_SERVER_PORT", "5080")
	t.Setenv("LOCAL_SIP_PORT", "5070")
	t.Setenv("MAX_SESSIONS", "5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PUBLIC_IP", "198.51.100.4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, "10.0.0.2:5080", cfg.SIPServerAddr())
	assert.Equal(t, "0.0.0.0:5070", cfg.LocalSIPAddr())
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PUBLIC_IP", "not-an-ip")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("PUBLIC_IP", "203.0.113.7")
	t.Setenv("LOG_LEVEL", "noisy")
	_, err = Load()
	require.Error(t, err)
}

func TestSSLRequiresPaths(t *testing.T) {
	t.Setenv("PUBLIC_IP", "203.0.113.7")
	t.Setenv("ENABLE_SSL", "true")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SSL_KEY_PATH", "/tmp/key.pem")
	t.Setenv("SSL_CERT_PATH", "/tmp/cert.pem")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableSSL)
}
