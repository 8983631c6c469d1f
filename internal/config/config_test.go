package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		RIB: RIBConfig{
			HistoryDepth:       10,
			HTTPTimeoutSeconds: 120,
			HistoryMode:        "every",
			PurgeEvery:         "1m",
			SnapshotEvery:      "5m",
			TimeBucketSeconds:  60,
		},
		Peers: []PeerConfig{
			{Name: "upstream1", Mode: ModeBGPActive, Peer: "198.51.100.1:179", PeerAS: 65001, Caps: "all"},
			{Name: "monitor1", Mode: ModeBMPPassive, ProtoListen: ":632", Caps: "ipv4u,ipv6u"},
		},
		Ingest: IngestConfig{
			ChannelBufferSize: 16,
			MaxPayloadBytes:   1024,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_HistoryDepthZero(t *testing.T) {
	cfg := validConfig()
	cfg.RIB.HistoryDepth = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for rib.history_depth = 0")
	}
}

func TestValidate_InvalidHistoryMode(t *testing.T) {
	cfg := validConfig()
	cfg.RIB.HistoryMode = "always"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unrecognized history_mode")
	}
}

func TestValidate_InvalidPurgeEveryDuration(t *testing.T) {
	cfg := validConfig()
	cfg.RIB.PurgeEvery = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unparsable purge_every")
	}
}

func TestValidate_PeerMissingName(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].Name = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing peer name")
	}
}

func TestValidate_DuplicatePeerName(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[1].Name = cfg.Peers[0].Name
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate peer name")
	}
}

func TestValidate_InvalidPeerMode(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].Mode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unrecognized peer mode")
	}
}

func TestValidate_ActivePeerRequiresAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].Peer = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for active-mode peer missing a socket address")
	}
}

func TestValidate_PassivePeerRequiresProtoListen(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[1].ProtoListen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for passive-mode peer missing proto_listen")
	}
}

func TestValidate_BGPPeerRequiresPeerAS(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].PeerAS = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bgp peer missing peer_as")
	}
}

func TestValidate_FilterRDOnlyValidForBMP(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].FilterRD = "65001:100"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for filter_rd on a bgp peer")
	}
}

func TestValidate_InvalidCap(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[1].Caps = "ipv4u,bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unrecognized cap token")
	}
}

func TestCapSet_AllExpandsToEveryAFISAFI(t *testing.T) {
	p := PeerConfig{Name: "p", Caps: "all"}
	caps, err := p.CapSet()
	if err != nil {
		t.Fatalf("CapSet: %v", err)
	}
	if len(caps) == 0 {
		t.Fatal("expected caps: all to expand to a non-empty set")
	}
}

func TestCapSet_MinIsUnicastOnly(t *testing.T) {
	p := PeerConfig{Name: "p", Caps: "min"}
	caps, err := p.CapSet()
	if err != nil {
		t.Fatalf("CapSet: %v", err)
	}
	if len(caps) != 1 || caps[0] != "ipv4u" {
		t.Fatalf("expected caps: min to be exactly [ipv4u], got %v", caps)
	}
}

func TestValidate_KafkaOptionalWhenNoBrokers(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected kafka section to be optional, got error: %v", err)
	}
}

func TestValidate_KafkaRequiresGroupIDsWhenBrokersSet(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error once kafka.brokers is set without kafka.bmp.group_id/topics")
	}
}

func TestValidate_PostgresOptionalWhenNoDSN(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected postgres section to be optional, got error: %v", err)
	}
}

func TestValidate_PostgresRequiresRetentionWhenDSNSet(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = "postgres://localhost/test"
	cfg.Postgres.MaxConns = 10
	cfg.Retention.Days = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error once postgres.dsn is set without a positive retention.days")
	}
}

func TestValidate_MaxPayloadBytesZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.MaxPayloadBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_payload_bytes = 0")
	}
}

func TestValidate_MaxPayloadBytesExceedsKafkaFetchMaxBytes(t *testing.T) {
	cfg := validConfig()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.BMP.GroupID = "rib-collector-bmp"
	cfg.Kafka.BMP.Topics = []string{"bmp_raw"}
	cfg.Kafka.FetchMaxBytes = 100
	cfg.Ingest.MaxPayloadBytes = 1024
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when ingest.max_payload_bytes exceeds kafka.fetch_max_bytes")
	}
}

func TestValidate_ChannelBufferSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.ChannelBufferSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for channel_buffer_size = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
rib:
  history_depth: 10
  http_timeout: 120
  history_mode: every
  time_bucket_seconds: 60
peers:
  - name: upstream1
    mode: bgpactive
    peer: "198.51.100.1:179"
    peer_as: 65001
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RIB_COLLECTOR_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvOverrideHistoryMode(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RIB_COLLECTOR_RIB__HISTORY_MODE", "differ")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RIB.HistoryMode != "differ" {
		t.Errorf("expected history_mode 'differ' from env, got %q", cfg.RIB.HistoryMode)
	}
}

func TestLoad_EnvInvalidHistoryModeFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("RIB_COLLECTOR_RIB__HISTORY_MODE", "sometimes")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for an unrecognized history_mode via env")
	}
}
