package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Conn holds deployment connection parameters, loaded from the environment.
//
// RabbitMQ settings are required: a dispatcher without its inbound queue is
// misconfigured and must not start.
type Conn struct {
	AMQPURL   string `env:"RABBITMQ_URL"`
	AMQPQueue string `env:"RABBITMQ_QUEUE"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

var ErrMissingBroker = errors.New("RABBITMQ_URL and/or RABBITMQ_QUEUE not set")

// LoadConn parses connection settings from the environment.
// Missing broker parameters are a fatal configuration error.
func LoadConn() (Conn, error) {
	var c Conn
	if err := env.Parse(&c); err != nil {
		return Conn{}, fmt.Errorf("parse env: %w", err)
	}
	if c.AMQPURL == "" || c.AMQPQueue == "" {
		return Conn{}, ErrMissingBroker
	}
	return c, nil
}
