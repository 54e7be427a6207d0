// Package config loads the client and broker configuration from the
// environment and an optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Transport kinds understood by the client.
const (
	TransportWire  = "wire"
	TransportStomp = "stomp"
)

var validate = validator.New()

// Client configures cmd/client.
type Client struct {
	Endpoint       string        `env:"CHAT_ENDPOINT,default=ws://localhost:8080/ws" validate:"required,url"`
	Transport      string        `env:"CHAT_TRANSPORT,default=wire" validate:"oneof=wire stomp"`
	Username       string        `env:"CHAT_USERNAME"`
	Login          string        `env:"CHAT_STOMP_LOGIN"`
	Passcode       string        `env:"CHAT_STOMP_PASSCODE"`
	ConnectTimeout time.Duration `env:"CHAT_CONNECT_TIMEOUT,default=10s" validate:"gt=0"`
	LogLevel       string        `env:"LOG_LEVEL,default=INFO"`
}

// Broker configures cmd/broker.
type Broker struct {
	Addr      string `env:"BROKER_ADDR,default=:8080" validate:"required"`
	TCPAddr   string `env:"BROKER_TCP_ADDR"`
	QueueSize int    `env:"BROKER_QUEUE_SIZE,default=64" validate:"gt=0"`
	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
}

// Validate checks the configuration values.
func (c Client) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

// Validate checks the configuration values.
func (c Broker) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid broker config: %w", err)
	}
	return nil
}

// LoadClient reads a .env file when present, then the environment.
func LoadClient() (Client, error) {
	_ = godotenv.Load()
	var c Client
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return Client{}, fmt.Errorf("config error: %w", err)
	}
	return c, nil
}

// ParseClient decodes a client configuration from es.
func ParseClient(es env.EnvSet) (Client, error) {
	var c Client
	if err := env.Unmarshal(es, &c); err != nil {
		return Client{}, fmt.Errorf("config error: %w", err)
	}
	return c, nil
}

// LoadBroker reads a .env file when present, then the environment.
func LoadBroker() (Broker, error) {
	_ = godotenv.Load()
	var c Broker
	if _, err := env.UnmarshalFromEnviron(&c); err != nil {
		return Broker{}, fmt.Errorf("config error: %w", err)
	}
	return c, nil
}
