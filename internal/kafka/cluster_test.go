package kafka

import (
	"reflect"
	"strings"
	"testing"
)

func TestClusterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClusterConfig
		wantErr []string
	}{
		{
			name: "valid minimal",
			cfg:  ClusterConfig{Brokers: []string{"localhost:9092"}},
		},
		{
			name: "valid with auth and mTLS",
			cfg: ClusterConfig{
				Brokers: []string{"b1:9092", "b2:9092"},
				Auth:    AuthConfig{Mechanism: "SCRAM-SHA-512", Username: "u", Password: "p"},
				TLS:     TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem"},
			},
		},
		{
			name:    "missing brokers",
			cfg:     ClusterConfig{},
			wantErr: []string{"brokers are required"},
		},
		{
			name:    "blank broker",
			cfg:     ClusterConfig{Brokers: []string{"b1:9092", " "}},
			wantErr: []string{"empty entries"},
		},
		{
			name: "bad mechanism and missing credentials",
			cfg: ClusterConfig{
				Brokers: []string{"b1:9092"},
				Auth:    AuthConfig{Mechanism: "GSSAPI"},
			},
			wantErr: []string{"auth.mechanism", "auth.username", "auth.password"},
		},
		{
			name:    "cert without key",
			cfg:     ClusterConfig{Brokers: []string{"b1:9092"}, TLS: TLSConfig{CertFile: "c.pem"}},
			wantErr: []string{"tls.keyFile"},
		},
		{
			name:    "key without cert",
			cfg:     ClusterConfig{Brokers: []string{"b1:9092"}, TLS: TLSConfig{KeyFile: "k.pem"}},
			wantErr: []string{"tls.certFile"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"b1:9092", []string{"b1:9092"}},
		{" b1:9092 , ,b2:9092,", []string{"b1:9092", "b2:9092"}},
	}
	for _, tt := range tests {
		if got := ParseBrokers(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseBrokers(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
