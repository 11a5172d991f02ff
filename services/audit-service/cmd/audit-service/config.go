package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/config"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
)

type serviceConfig struct {
	ServiceName    string        `env:"SERVICE_NAME" envDefault:"audit-service"`
	StoreDriver    string        `env:"STORE_DRIVER" envDefault:"postgres"`
	SQLitePath     string        `env:"SQLITE_PATH" envDefault:"audit.db"`
	KafkaBrokers   []string      `env:"KAFKA_BROKERS,required" envSeparator:","`
	RedisAddr      string        `env:"REDIS_ADDR"`
	InboxCacheTTL  time.Duration `env:"INBOX_CACHE_TTL" envDefault:"24h"`
	RateLimit      int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`
	BodyLimit      int64         `env:"HTTP_BODY_LIMIT" envDefault:"65536"`
	RequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"10s"`
	IdleDebounce   time.Duration `env:"BUS_IDLE_DEBOUNCE" envDefault:"500ms"`
	DrainTimeout   time.Duration `env:"SHUTDOWN_DRAIN_TIMEOUT" envDefault:"15s"`

	DB       db.Config
	Relay    outbox.RelayConfig
	Consumer consumer.Config
}

func loadConfig() (serviceConfig, error) {
	cfg, err := config.Parse[serviceConfig]()
	if err != nil {
		return cfg, err
	}
	return cfg.normalize()
}

func (c serviceConfig) normalize() (serviceConfig, error) {
	c.KafkaBrokers = kafkax.SplitBrokers(strings.Join(c.KafkaBrokers, ","))
	if len(c.KafkaBrokers) == 0 {
		return c, fmt.Errorf("KAFKA_BROKERS is empty")
	}
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case driverPostgres:
		if c.DB.URL == "" {
			return c, fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", driverPostgres)
		}
	case driverSQLite:
	default:
		return c, fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Consumer.GroupID == "" {
		c.Consumer.GroupID = c.ServiceName
	}
	return c, nil
}
