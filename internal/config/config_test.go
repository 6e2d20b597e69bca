package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("SUBSCRIPTION_PROJECT_ID", "census-rm")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Rabbit.Host != "localhost" || cfg.Rabbit.Port != 5672 || cfg.Rabbit.VirtualHost != "/" {
		t.Errorf("unexpected rabbit connection defaults: %+v", cfg.Rabbit)
	}
	if cfg.Rabbit.Queue != "Case.Responses" || cfg.Rabbit.RoutingKey != "event.response.receipt" {
		t.Errorf("unexpected case responses defaults: %+v", cfg.Rabbit)
	}
	if cfg.Rabbit.UndeliveredQueue != "FieldworkAdapter.undelivered" || cfg.Rabbit.UndeliveredRoutingKey != "event.fulfilment.undelivered" {
		t.Errorf("unexpected undelivered defaults: %+v", cfg.Rabbit)
	}
	if cfg.Rabbit.DeadLetterExchange != "" {
		t.Errorf("expected dead-lettering off by default, got %q", cfg.Rabbit.DeadLetterExchange)
	}
	if cfg.Sink != SinkAMQP {
		t.Errorf("expected amqp sink, got %s", cfg.Sink)
	}
	if cfg.MaxOutstanding != 100 {
		t.Errorf("expected max outstanding 100, got %d", cfg.MaxOutstanding)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected metrics addr :9090, got %s", cfg.MetricsAddr)
	}
	if !cfg.Subscriptions.Receipt.Enabled() || cfg.Subscriptions.Receipt.Name != "rm-receipt-subscription" {
		t.Errorf("unexpected receipt subscription: %+v", cfg.Subscriptions.Receipt)
	}
	if cfg.Subscriptions.Offline.Enabled() || cfg.Subscriptions.PPOUndelivered.Enabled() || cfg.Subscriptions.QMUndelivered.Enabled() {
		t.Error("expected subscriptions without a project to be disabled")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	env := map[string]string{
		"RABBIT_HOST":                            "rabbitmq",
		"RABBIT_PORT":                            "35672",
		"RABBIT_VIRTUALHOST":                     "census",
		"RABBIT_EXCHANGE":                        "case-outbound-exchange",
		"RABBIT_DEAD_LETTER_EXCHANGE":            "receipt-dlx",
		"OFFLINE_SUBSCRIPTION_NAME":              "offline-sub",
		"OFFLINE_SUBSCRIPTION_PROJECT_ID":        "offline-project",
		"QM_UNDELIVERED_SUBSCRIPTION_PROJECT_ID": "qm-project",
		"PUBSUB_MAX_OUTSTANDING":                 "7",
		"READINESS_FILE_PATH":                    "/tmp/ready",
		"LOG_LEVEL":                              "debug",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Rabbit.Host != "rabbitmq" || cfg.Rabbit.Port != 35672 || cfg.Rabbit.VirtualHost != "census" {
		t.Errorf("rabbit env not applied: %+v", cfg.Rabbit)
	}
	if cfg.Rabbit.Exchange != "case-outbound-exchange" || cfg.Rabbit.DeadLetterExchange != "receipt-dlx" {
		t.Errorf("exchange env not applied: %+v", cfg.Rabbit)
	}
	if cfg.Subscriptions.Offline != (Subscription{Name: "offline-sub", Project: "offline-project"}) {
		t.Errorf("offline subscription: %+v", cfg.Subscriptions.Offline)
	}
	if cfg.Subscriptions.QMUndelivered.Name != "rm-qm-undelivered-subscription" || !cfg.Subscriptions.QMUndelivered.Enabled() {
		t.Errorf("qm subscription: %+v", cfg.Subscriptions.QMUndelivered)
	}
	if cfg.MaxOutstanding != 7 || cfg.ReadinessFile != "/tmp/ready" || cfg.LogLevel != "debug" {
		t.Errorf("process env not applied: %+v", cfg)
	}
}

func TestLoad_YAMLOverlayEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bridge.yaml", `
rabbit:
  host: broker.internal
  exchange: yaml-exchange
sink: kafka
kafka:
  brokers:
    - kafka-1:9092
  clientId: receipt-bridge
subscriptions:
  ppoUndelivered:
    name: ppo-sub
    project: ppo-project
maxOutstanding: 20
`)
	t.Setenv(EnvConfigFile, path)
	t.Setenv("RABBIT_EXCHANGE", "env-exchange")
	t.Setenv("KAFKA_BROKERS", "kafka-a:9092, kafka-b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Rabbit.Host != "broker.internal" {
		t.Errorf("expected yaml host, got %s", cfg.Rabbit.Host)
	}
	if cfg.Rabbit.Exchange != "env-exchange" {
		t.Errorf("expected env to win, got %s", cfg.Rabbit.Exchange)
	}
	if cfg.Rabbit.Queue != "Case.Responses" {
		t.Errorf("expected default queue to survive overlay, got %s", cfg.Rabbit.Queue)
	}
	if cfg.Sink != SinkKafka {
		t.Errorf("expected kafka sink, got %s", cfg.Sink)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-b:9092" {
		t.Errorf("expected env brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.ClientID != "receipt-bridge" {
		t.Errorf("expected yaml client id, got %s", cfg.Kafka.ClientID)
	}
	if cfg.Subscriptions.PPOUndelivered != (Subscription{Name: "ppo-sub", Project: "ppo-project"}) {
		t.Errorf("ppo subscription: %+v", cfg.Subscriptions.PPOUndelivered)
	}
	if cfg.MaxOutstanding != 20 {
		t.Errorf("expected max outstanding 20, got %d", cfg.MaxOutstanding)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "rabbit: [unclosed")
	t.Setenv(EnvConfigFile, path)
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestLoad_BadInteger(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("SUBSCRIPTION_PROJECT_ID", "p")
	t.Setenv("RABBIT_PORT", "five")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "RABBIT_PORT") {
		t.Errorf("expected RABBIT_PORT error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Subscriptions.Receipt.Project = "census"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "no subscriptions",
			mutate:  func(c *Config) { c.Subscriptions.Receipt.Project = "" },
			wantErr: []string{"at least one subscription"},
		},
		{
			name:    "enabled subscription without name",
			mutate:  func(c *Config) { c.Subscriptions.Offline = Subscription{Project: "p"} },
			wantErr: []string{"offline subscription name"},
		},
		{
			name:    "unknown sink",
			mutate:  func(c *Config) { c.Sink = "sqs" },
			wantErr: []string{`sink "sqs"`},
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Sink = SinkKafka },
			wantErr: []string{"brokers are required"},
		},
		{
			name: "multiple problems joined",
			mutate: func(c *Config) {
				c.Rabbit.Host = ""
				c.Rabbit.Port = 0
				c.MaxOutstanding = 0
			},
			wantErr: []string{"rabbit host", "rabbit port", "max outstanding"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("expected %q in %v", want, err)
				}
			}
		})
	}
}
