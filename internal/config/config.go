// Package config handles runtime configuration for the client and the relay
// server: development defaults overlaid with environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Client holds runtime settings for one messaging client session.
type Client struct {
	// ServerURL is the relay's HTTP base, WebsocketURL its ws(s) base.
	ServerURL    string
	WebsocketURL string

	// IdentityPath is where the device identity file lives.
	IdentityPath string

	// MongoURI/MongoDatabase back the local message store; empty MongoURI
	// selects the in-memory store.
	MongoURI      string
	MongoDatabase string

	// RedisAddr backs the directory key cache; empty selects the
	// in-process cache.
	RedisAddr     string
	RedisPassword string

	KeyCacheTTL time.Duration

	// TransportRetryBase scales reconnect delays (base × attempt).
	TransportRetryBase time.Duration

	// QueueRetryBase seeds the send retry backoff (base × 2^(attempt-1)).
	QueueRetryBase time.Duration

	// JWTSecret lets the demo client mint its own bearer token against a
	// development relay. A real deployment gets tokens from the auth
	// service instead and leaves this alone.
	JWTSecret string

	LogLevel string
}

// Server holds runtime settings for the reference relay server.
type Server struct {
	Addr string

	// JWTSecret signs and verifies bearer tokens (HS256).
	JWTSecret           string
	AccessTokenValidity time.Duration
	MessageTTL          time.Duration

	// RedisAddr backs pending-message storage; empty selects in-memory.
	RedisAddr     string
	RedisPassword string

	// MongoURI backs the user directory; empty selects in-memory.
	MongoURI      string
	MongoDatabase string

	LogLevel string
}

// LoadClient builds a client config from defaults and environment.
func LoadClient() *Client {
	c := &Client{}
	c.loadDefaults()
	c.loadEnv()
	return c
}

// LoadServer builds a server config from defaults and environment.
func LoadServer() *Server {
	c := &Server{}
	c.loadDefaults()
	c.loadEnv()
	return c
}

func (c *Client) loadDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.ServerURL = "http://localhost:8001"
	c.WebsocketURL = "ws://localhost:8001"
	c.IdentityPath = filepath.Join(home, ".secure-messaging", "identity.json")
	c.MongoURI = ""
	c.MongoDatabase = "secure_messaging"
	c.RedisAddr = ""
	c.RedisPassword = ""
	c.KeyCacheTTL = 10 * time.Minute
	c.TransportRetryBase = time.Second
	c.QueueRetryBase = 2 * time.Second
	c.JWTSecret = "change-this-to-a-random-256bit-key"
	c.LogLevel = "info"
}

func (c *Client) loadEnv() {
	stringVar(&c.ServerURL, "SERVER_URL")
	stringVar(&c.WebsocketURL, "WEBSOCKET_URL")
	stringVar(&c.IdentityPath, "IDENTITY_PATH")
	stringVar(&c.MongoURI, "MONGO_URI")
	stringVar(&c.MongoDatabase, "MONGO_DATABASE")
	stringVar(&c.RedisAddr, "REDIS_ADDR")
	stringVar(&c.RedisPassword, "REDIS_PASSWORD")
	durationVar(&c.KeyCacheTTL, "KEY_CACHE_TTL")
	durationVar(&c.TransportRetryBase, "TRANSPORT_RETRY_BASE")
	durationVar(&c.QueueRetryBase, "QUEUE_RETRY_BASE")
	stringVar(&c.JWTSecret, "JWT_SECRET_KEY")
	stringVar(&c.LogLevel, "LOG_LEVEL")
}

func (c *Server) loadDefaults() {
	c.Addr = ":8001"
	c.JWTSecret = "change-this-to-a-random-256bit-key"
	c.AccessTokenValidity = 30 * time.Minute
	c.MessageTTL = 7 * 24 * time.Hour
	c.RedisAddr = ""
	c.RedisPassword = ""
	c.MongoURI = ""
	c.MongoDatabase = "secure_messaging"
	c.LogLevel = "info"
}

func (c *Server) loadEnv() {
	stringVar(&c.Addr, "SERVER_ADDR")
	stringVar(&c.JWTSecret, "JWT_SECRET_KEY")
	if v, ok := lookupInt("ACCESS_TOKEN_EXPIRE_MINUTES"); ok {
		c.AccessTokenValidity = time.Duration(v) * time.Minute
	}
	if v, ok := lookupInt("MESSAGE_TTL_DAYS"); ok {
		c.MessageTTL = time.Duration(v) * 24 * time.Hour
	}
	stringVar(&c.RedisAddr, "REDIS_ADDR")
	stringVar(&c.RedisPassword, "REDIS_PASSWORD")
	stringVar(&c.MongoURI, "MONGO_URI")
	stringVar(&c.MongoDatabase, "MONGO_DATABASE")
	stringVar(&c.LogLevel, "LOG_LEVEL")
}

func stringVar(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func durationVar(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
