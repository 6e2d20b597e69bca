// Package config loads bridge settings from the environment, optionally
// overlaid on a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lsm/receipt-bridge/internal/kafka"
)

// EnvConfigFile names the optional YAML file read before the environment.
const EnvConfigFile = "BRIDGE_CONFIG_FILE"

// Sink types.
const (
	SinkAMQP  = "amqp"
	SinkKafka = "kafka"
)

// Config is the complete bridge configuration.
type Config struct {
	Rabbit        RabbitConfig        `yaml:"rabbit"`
	Sink          string              `yaml:"sink"`
	Kafka         kafka.ClusterConfig `yaml:"kafka"`
	Subscriptions Subscriptions       `yaml:"subscriptions"`

	// MaxOutstanding bounds unsettled messages per subscription.
	MaxOutstanding int    `yaml:"maxOutstanding"`
	ReadinessFile  string `yaml:"readinessFile"`
	MetricsAddr    string `yaml:"metricsAddr"`
	LogLevel       string `yaml:"logLevel"`
}

// RabbitConfig holds the broker connection and destinations.
type RabbitConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	VirtualHost           string `yaml:"virtualHost"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	Exchange              string `yaml:"exchange"`
	Queue                 string `yaml:"queue"`
	RoutingKey            string `yaml:"routingKey"`
	UndeliveredQueue      string `yaml:"undeliveredQueue"`
	UndeliveredRoutingKey string `yaml:"undeliveredRoutingKey"`
	// DeadLetterExchange enables dead-lettering of rejected notifications.
	DeadLetterExchange string `yaml:"deadLetterExchange"`
}

// Subscription names one Pub/Sub subscription. An empty Project disables it.
type Subscription struct {
	Name    string `yaml:"name"`
	Project string `yaml:"project"`
}

// Enabled reports whether the subscription should be listened to.
func (s Subscription) Enabled() bool { return s.Project != "" }

// Subscriptions holds one subscription per notification kind.
type Subscriptions struct {
	Receipt        Subscription `yaml:"receipt"`
	Offline        Subscription `yaml:"offline"`
	PPOUndelivered Subscription `yaml:"ppoUndelivered"`
	QMUndelivered  Subscription `yaml:"qmUndelivered"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Rabbit: RabbitConfig{
			Host:                  "localhost",
			Port:                  5672,
			VirtualHost:           "/",
			Username:              "guest",
			Password:              "guest",
			Exchange:              "events",
			Queue:                 "Case.Responses",
			RoutingKey:            "event.response.receipt",
			UndeliveredQueue:      "FieldworkAdapter.undelivered",
			UndeliveredRoutingKey: "event.fulfilment.undelivered",
		},
		Sink: SinkAMQP,
		Subscriptions: Subscriptions{
			Receipt:        Subscription{Name: "rm-receipt-subscription"},
			Offline:        Subscription{Name: "rm-offline-receipt-subscription"},
			PPOUndelivered: Subscription{Name: "rm-ppo-undelivered-subscription"},
			QMUndelivered:  Subscription{Name: "rm-qm-undelivered-subscription"},
		},
		MaxOutstanding: 100,
		ReadinessFile:  "pubsub-ready",
		MetricsAddr:    ":9090",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// BRIDGE_CONFIG_FILE if set, then environment variables. The result is
// validated.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	r := &c.Rabbit
	str("RABBIT_HOST", &r.Host)
	num("RABBIT_PORT", &r.Port)
	str("RABBIT_VIRTUALHOST", &r.VirtualHost)
	str("RABBIT_USERNAME", &r.Username)
	str("RABBIT_PASSWORD", &r.Password)
	str("RABBIT_EXCHANGE", &r.Exchange)
	str("RABBIT_QUEUE", &r.Queue)
	str("RABBIT_ROUTING_KEY", &r.RoutingKey)
	str("RABBIT_UNDELIVERED_QUEUE", &r.UndeliveredQueue)
	str("UNDELIVERED_ROUTING_KEY", &r.UndeliveredRoutingKey)
	str("RABBIT_DEAD_LETTER_EXCHANGE", &r.DeadLetterExchange)

	str("BRIDGE_SINK", &c.Sink)
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = kafka.ParseBrokers(v)
	}

	s := &c.Subscriptions
	str("SUBSCRIPTION_NAME", &s.Receipt.Name)
	str("SUBSCRIPTION_PROJECT_ID", &s.Receipt.Project)
	str("OFFLINE_SUBSCRIPTION_NAME", &s.Offline.Name)
	str("OFFLINE_SUBSCRIPTION_PROJECT_ID", &s.Offline.Project)
	str("PPO_UNDELIVERED_SUBSCRIPTION_NAME", &s.PPOUndelivered.Name)
	str("PPO_UNDELIVERED_SUBSCRIPTION_PROJECT_ID", &s.PPOUndelivered.Project)
	str("QM_UNDELIVERED_SUBSCRIPTION_NAME", &s.QMUndelivered.Name)
	str("QM_UNDELIVERED_SUBSCRIPTION_PROJECT_ID", &s.QMUndelivered.Project)
	num("PUBSUB_MAX_OUTSTANDING", &c.MaxOutstanding)

	str("READINESS_FILE_PATH", &c.ReadinessFile)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Sink {
	case SinkAMQP:
		if c.Rabbit.Host == "" {
			errs = append(errs, errors.New("rabbit host is required"))
		}
		if c.Rabbit.Port <= 0 || c.Rabbit.Port > 65535 {
			errs = append(errs, fmt.Errorf("rabbit port %d is out of range", c.Rabbit.Port))
		}
	case SinkKafka:
		if err := c.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("sink %q is not valid (must be %s or %s)", c.Sink, SinkAMQP, SinkKafka))
	}

	if strings.TrimSpace(c.Rabbit.Exchange) == "" {
		errs = append(errs, errors.New("exchange is required"))
	}
	if c.Rabbit.RoutingKey == "" {
		errs = append(errs, errors.New("routing key is required"))
	}
	if c.Rabbit.UndeliveredRoutingKey == "" {
		errs = append(errs, errors.New("undelivered routing key is required"))
	}

	enabled := 0
	for label, s := range c.Subscriptions.byKind() {
		if !s.Enabled() {
			continue
		}
		enabled++
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s subscription name is required when its project is set", label))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("at least one subscription project must be set"))
	}
	if c.MaxOutstanding <= 0 {
		errs = append(errs, fmt.Errorf("max outstanding must be positive, got %d", c.MaxOutstanding))
	}

	return errors.Join(errs...)
}

func (s Subscriptions) byKind() map[string]Subscription {
	return map[string]Subscription{
		"receipt":         s.Receipt,
		"offline":         s.Offline,
		"ppo undelivered": s.PPOUndelivered,
		"qm undelivered":  s.QMUndelivered,
	}
}
