package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadClientDefaults(t *testing.T) {
	c := LoadClient()

	require.Equal(t, "http://localhost:8001", c.ServerURL)
	require.Equal(t, "ws://localhost:8001", c.WebsocketURL)
	require.NotEmpty(t, c.IdentityPath)
	require.Equal(t, time.Second, c.TransportRetryBase)
	require.Equal(t, 2*time.Second, c.QueueRetryBase)
	require.Equal(t, "info", c.LogLevel)
}

func TestLoadClientEnvOverlay(t *testing.T) {
	t.Setenv("SERVER_URL", "https://relay.example.com")
	t.Setenv("WEBSOCKET_URL", "wss://relay.example.com")
	t.Setenv("QUEUE_RETRY_BASE", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	c := LoadClient()
	require.Equal(t, "https://relay.example.com", c.ServerURL)
	require.Equal(t, "wss://relay.example.com", c.WebsocketURL)
	require.Equal(t, 250*time.Millisecond, c.QueueRetryBase)
	require.Equal(t, "debug", c.LogLevel)
}

func TestLoadClientBadDurationIgnored(t *testing.T) {
	t.Setenv("QUEUE_RETRY_BASE", "soon")

	c := LoadClient()
	require.Equal(t, 2*time.Second, c.QueueRetryBase)
}

func TestLoadServerDefaults(t *testing.T) {
	c := LoadServer()

	require.Equal(t, ":8001", c.Addr)
	require.Equal(t, 30*time.Minute, c.AccessTokenValidity)
	require.Equal(t, 7*24*time.Hour, c.MessageTTL)
}

func TestLoadServerEnvOverlay(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("JWT_SECRET_KEY", "testing-secret")
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "5")
	t.Setenv("MESSAGE_TTL_DAYS", "2")

	c := LoadServer()
	require.Equal(t, ":9999", c.Addr)
	require.Equal(t, "testing-secret", c.JWTSecret)
	require.Equal(t, 5*time.Minute, c.AccessTokenValidity)
	require.Equal(t, 48*time.Hour, c.MessageTTL)
}
