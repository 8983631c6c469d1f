package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig         `koanf:"service"`
	RIB       RIBConfig             `koanf:"rib"`
	Peers     []PeerConfig          `koanf:"peers"`
	Kafka     KafkaConfig           `koanf:"kafka"`
	Postgres  PostgresConfig        `koanf:"postgres"`
	Ingest    IngestConfig          `koanf:"ingest"`
	Retention RetentionConfig       `koanf:"retention"`
	Routers   map[string]RouterMeta `koanf:"routers"`
}

type RouterMeta struct {
	Name     string `koanf:"name"`
	Location string `koanf:"location"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	HTTPRoot               string `koanf:"http_root"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// RIBConfig governs the in-memory RIB's history retention, purge, and
// snapshot behavior. It has no bearing on the optional Kafka/Postgres
// audit sink below.
type RIBConfig struct {
	HistoryDepth        int    `koanf:"history_depth"`
	HTTPTimeoutSeconds  int    `koanf:"http_timeout"`
	HistoryMode         string `koanf:"history_mode"`
	PurgeAfterWithdraws int    `koanf:"purge_after_withdraws"`
	PurgeEvery          string `koanf:"purge_every"`
	SnapshotFile        string `koanf:"snapshot_file"`
	SnapshotEvery       string `koanf:"snapshot_every"`
	TimeBucketSeconds   int    `koanf:"time_bucket_seconds"`
}

// PeerConfig describes one configured BGP or BMP adapter. Mode selects
// both the protocol and the connection direction; Caps selects which
// AFI/SAFI combinations (and add-path) this collector advertises or,
// for BMP, accepts.
type PeerConfig struct {
	Name        string `koanf:"name"`
	Mode        string `koanf:"mode"`
	Peer        string `koanf:"peer"`
	ProtoListen string `koanf:"proto_listen"`
	RouterID    string `koanf:"router_id"`
	PeerAS      uint32 `koanf:"peer_as"`
	FilterRD    string `koanf:"filter_rd"`
	Caps        string `koanf:"caps"`
}

const (
	ModeBGPActive  = "bgpactive"
	ModeBGPPassive = "bgppassive"
	ModeBMPActive  = "bmpactive"
	ModeBMPPassive = "bmppassive"
)

// DefaultPort returns the well-known port for p's protocol, used when
// Peer carries no explicit port.
func (p PeerConfig) DefaultPort() int {
	if strings.HasPrefix(p.Mode, "bmp") {
		return 632
	}
	return 179
}

// RouterIDAddr parses RouterID, returning the zero netip.Addr if unset.
func (p PeerConfig) RouterIDAddr() (netip.Addr, error) {
	if p.RouterID == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(p.RouterID)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("config: peer %s: router_id: %w", p.Name, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("config: peer %s: router_id must be IPv4, got %s", p.Name, p.RouterID)
	}
	return addr, nil
}

// capNames is every SAFI-ish token recognized by a peer's caps list,
// independent of how this collector maps it onto an AFI/SAFI pair.
var capNames = map[string]bool{
	"ipv4u": true, "ipv4lu": true, "vpnv4u": true, "vpnv4m": true,
	"ipv4mdt": true, "mvpn": true, "vpls": true, "evpn": true,
	"asn32": true, "ipv6u": true, "ipv6lu": true, "vpnv6u": true,
	"vpnv6m": true, "ipv6mdt": true, "addpath": true,
}

// allCaps is what caps: all expands to, minus asn32/addpath which are
// session-wide negotiated extensions rather than AFI/SAFI entries.
var allCaps = []string{
	"ipv4u", "ipv4lu", "vpnv4u", "vpnv4m", "ipv4mdt",
	"mvpn", "vpls", "evpn", "ipv6u", "ipv6lu", "vpnv6u", "vpnv6m", "ipv6mdt",
}

// minCaps is what caps: min expands to: unicast IPv4 only, the
// narrowest useful session.
var minCaps = []string{"ipv4u"}

// CapSet parses Caps into its expanded, validated token set.
func (p PeerConfig) CapSet() ([]string, error) {
	switch p.Caps {
	case "", "all":
		return allCaps, nil
	case "min":
		return minCaps, nil
	}
	var out []string
	for _, tok := range strings.Split(p.Caps, ",") {
		tok = strings.TrimSpace(tok)
		if !capNames[tok] {
			return nil, fmt.Errorf("config: peer %s: unrecognized cap %q", p.Name, tok)
		}
		out = append(out, tok)
	}
	return out, nil
}

// KafkaConfig configures the optional Kafka-relayed BMP ingest path
// (internal/kafkabmp): a single consumer group draining OpenBMP-framed
// BMP messages off one or more topics. A nil/empty Brokers list disables
// it entirely; this collector ingests just as well from direct BGP/BMP
// sessions alone.
type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	BMP           ConsumerConfig `koanf:"bmp"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
}

// PostgresConfig configures the optional side audit trail. A blank
// DSN disables the archive sink entirely; ingest never blocks on it.
type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// IngestConfig sizes the ingest channel that every peer adapter and the
// optional Kafka-BMP consumer feed (ChannelBufferSize, which also sizes
// the Kafka record channels) and caps an OpenBMP payload read from Kafka
// (MaxPayloadBytes).
type IngestConfig struct {
	ChannelBufferSize int `koanf:"channel_buffer_size"`
	MaxPayloadBytes   int `koanf:"max_payload_bytes"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RIB_COLLECTOR_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("RIB_COLLECTOR_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RIB_COLLECTOR_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "rib-collector-1",
			HTTPListen:             ":8080",
			HTTPRoot:               "",
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
		Kafka: KafkaConfig{
			ClientID:      "rib-collector",
			FetchMaxBytes: 52428800,
			BMP: ConsumerConfig{
				GroupID: "rib-collector-bmp",
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Ingest: IngestConfig{
			ChannelBufferSize: 16,
			MaxPayloadBytes:   16777216,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.BMP.Topics) == 1 && strings.Contains(cfg.Kafka.BMP.Topics[0], ",") {
		cfg.Kafka.BMP.Topics = strings.Split(cfg.Kafka.BMP.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}

	if c.RIB.HistoryDepth <= 0 {
		return fmt.Errorf("config: rib.history_depth must be > 0 (got %d)", c.RIB.HistoryDepth)
	}
	if c.RIB.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config: rib.http_timeout must be > 0 (got %d)", c.RIB.HTTPTimeoutSeconds)
	}
	switch c.RIB.HistoryMode {
	case "every", "differ":
	default:
		return fmt.Errorf("config: rib.history_mode must be %q or %q (got %q)", "every", "differ", c.RIB.HistoryMode)
	}
	if c.RIB.PurgeAfterWithdraws < 0 {
		return fmt.Errorf("config: rib.purge_after_withdraws must be >= 0 (got %d)", c.RIB.PurgeAfterWithdraws)
	}
	if c.RIB.PurgeEvery != "" {
		if _, err := time.ParseDuration(c.RIB.PurgeEvery); err != nil {
			return fmt.Errorf("config: rib.purge_every: %w", err)
		}
	}
	if c.RIB.SnapshotEvery != "" {
		if _, err := time.ParseDuration(c.RIB.SnapshotEvery); err != nil {
			return fmt.Errorf("config: rib.snapshot_every: %w", err)
		}
	}
	if c.RIB.TimeBucketSeconds <= 0 {
		return fmt.Errorf("config: rib.time_bucket_seconds must be > 0 (got %d)", c.RIB.TimeBucketSeconds)
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("config: peers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: peers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true

		switch p.Mode {
		case ModeBGPActive, ModeBGPPassive, ModeBMPActive, ModeBMPPassive:
		default:
			return fmt.Errorf("config: peer %s: mode must be one of %s/%s/%s/%s (got %q)",
				p.Name, ModeBGPActive, ModeBGPPassive, ModeBMPActive, ModeBMPPassive, p.Mode)
		}
		switch p.Mode {
		case ModeBGPActive, ModeBMPActive:
			if p.Peer == "" {
				return fmt.Errorf("config: peer %s: peer address is required in active mode", p.Name)
			}
		case ModeBGPPassive, ModeBMPPassive:
			if p.ProtoListen == "" {
				return fmt.Errorf("config: peer %s: proto_listen is required in passive mode", p.Name)
			}
		}
		if strings.HasPrefix(p.Mode, "bgp") {
			if p.PeerAS == 0 {
				return fmt.Errorf("config: peer %s: peer_as is required for bgp peers", p.Name)
			}
		}
		if _, err := p.RouterIDAddr(); err != nil {
			return err
		}
		if p.FilterRD != "" && !strings.HasPrefix(p.Mode, "bmp") {
			return fmt.Errorf("config: peer %s: filter_rd only applies to bmp peers", p.Name)
		}
		if _, err := p.CapSet(); err != nil {
			return err
		}
	}

	if len(c.Kafka.Brokers) > 0 {
		if c.Kafka.BMP.GroupID == "" {
			return fmt.Errorf("config: kafka.bmp.group_id is required when kafka.brokers is set")
		}
		if len(c.Kafka.BMP.Topics) == 0 {
			return fmt.Errorf("config: kafka.bmp.topics is required when kafka.brokers is set")
		}
		if c.Kafka.FetchMaxBytes <= 0 {
			return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
		}
		if int32(c.Ingest.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
			return fmt.Errorf("config: ingest.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
				c.Ingest.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
		}
	}

	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}

	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
		if c.Retention.Days <= 0 {
			return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
		}
		if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
			return fmt.Errorf("config: retention.timezone is invalid: %w", err)
		}
	}

	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
