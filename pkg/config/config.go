// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type Log struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
	// File, when set, receives the log instead of stderr.
	File string `env:"LOG_FILE"`
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC"   envDefault:"chat-events"`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
	// PresencePrefix namespaces the presence keys.
	PresencePrefix string `env:"PRESENCE_PREFIX" envDefault:"presence:"`
}

type Scylla struct {
	Hosts    []string `env:"SCYLLA_HOSTS"    envDefault:"localhost:9042" envSeparator:","`
	Keyspace string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
}

type JWT struct {
	AccessSecret  string        `env:"JWT_ACCESS_SECRET,notEmpty"`
	RefreshSecret string        `env:"JWT_REFRESH_SECRET,notEmpty"`
	AccessTTL     time.Duration `env:"JWT_ACCESS_TTL"  envDefault:"15m"`
	RefreshTTL    time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
}

type Gateway struct {
	Addr       string        `env:"GATEWAY_ADDR"        envDefault:":8080"`
	SendBuffer int           `env:"GATEWAY_SEND_BUFFER" envDefault:"256"`
	TypingTTL  time.Duration `env:"TYPING_TTL"          envDefault:"5s"`
	// InstanceID names this gateway's Kafka consumer group. Every instance
	// needs its own so each receives every event. Empty means generated.
	InstanceID string `env:"GATEWAY_INSTANCE_ID"`
	// NodeID defaults to a value derived from InstanceID so instances do
	// not mint colliding message ids.
	NodeID int64 `env:"SNOWFLAKE_NODE"`

	Log    Log
	Kafka  Kafka
	Redis  Redis
	Scylla Scylla
	JWT    JWT
}

type API struct {
	Addr       string        `env:"API_ADDR"          envDefault:":8081"`
	CORSOrigin string        `env:"CORS_ORIGIN"       envDefault:"*"`
	AuthLimit  int           `env:"AUTH_RATE_LIMIT"   envDefault:"20"`
	AuthWindow time.Duration `env:"AUTH_RATE_WINDOW"  envDefault:"1m"`
	NodeID     int64         `env:"SNOWFLAKE_NODE"    envDefault:"2"`

	Log    Log
	Kafka  Kafka
	Redis  Redis
	Scylla Scylla
	JWT    JWT
}

// LoadGateway reads the gateway settings.
func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := parse(&cfg); err != nil {
		return Gateway{}, err
	}
	if cfg.SendBuffer <= 0 {
		return Gateway{}, errors.New("config: GATEWAY_SEND_BUFFER must be positive")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if _, ok := os.LookupEnv("SNOWFLAKE_NODE"); !ok {
		cfg.NodeID = DeriveNodeID(cfg.InstanceID)
	}
	return cfg, nil
}

// LoadAPI reads the API settings.
func LoadAPI() (API, error) {
	var cfg API
	if err := parse(&cfg); err != nil {
		return API{}, err
	}
	if cfg.AuthLimit <= 0 {
		return API{}, errors.New("config: AUTH_RATE_LIMIT must be positive")
	}
	return cfg, nil
}

// Client is the CLI client's settings.
type Client struct {
	APIURL     string `env:"MINGLE_API_URL"     envDefault:"http://localhost:8081"`
	GatewayURL string `env:"MINGLE_GATEWAY_URL" envDefault:"ws://localhost:8080/ws"`
	Log        Log
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := parse(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// Schema is the settings of the migrate and reset scripts.
type Schema struct {
	Scylla      Scylla
	Replication int `env:"SCYLLA_REPLICATION" envDefault:"1"`
	Log         Log
}

func LoadSchema() (Schema, error) {
	var cfg Schema
	if err := parse(&cfg); err != nil {
		return Schema{}, err
	}
	if cfg.Replication < 1 {
		return Schema{}, fmt.Errorf("SCYLLA_REPLICATION must be at least 1, got %d", cfg.Replication)
	}
	return cfg, nil
}

// Derived node ids start above the small ids reserved for explicitly
// numbered processes such as the API.
const (
	derivedNodeBase = 16
	nodeLimit       = 1024
)

// DeriveNodeID maps a gateway instance id onto a snowflake node number.
func DeriveNodeID(instanceID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(instanceID))
	return derivedNodeBase + int64(h.Sum32()%(nodeLimit-derivedNodeBase))
}

func parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
