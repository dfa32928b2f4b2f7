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
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const envPrefix = "ROUTE_FEEDER_"

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	BGP       BGPConfig       `koanf:"bgp"`
	Feed      FeedConfig      `koanf:"feed"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BGPConfig struct {
	ListenHost string `koanf:"listen_host"`
	Port       int    `koanf:"port"`
	Backlog    int    `koanf:"backlog"`
	ASN        uint32 `koanf:"asn"`
	RouterID   string `koanf:"router_id"`
	Nexthop    string `koanf:"nexthop"`
	HoldTime   int    `koanf:"hold_time"`
	// PeerASN restricts sessions to one remote AS. Zero accepts any.
	PeerASN uint32 `koanf:"peer_asn"`
}

type FeedConfig struct {
	URL             string `koanf:"url"`
	Country         string `koanf:"country"`
	Family          string `koanf:"family"`
	IntervalSeconds int    `koanf:"interval_seconds"`
	MaxLineBytes    int    `koanf:"max_line_bytes"`
	// TimeoutSeconds bounds a single fetch. Zero means no limit.
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
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

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "route-feeder-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			Port:     179,
			Backlog:  16,
			HoldTime: 90,
		},
		Feed: FeedConfig{
			URL:             "http://ftp.apnic.net/apnic/stats/apnic/delegated-apnic-latest",
			Country:         "CN",
			Family:          "ipv4",
			IntervalSeconds: 86400,
			MaxLineBytes:    128,
		},
		Kafka: KafkaConfig{
			ClientID: "route-feeder",
			Topic:    "route-feeder.routes",
		},
		Postgres: PostgresConfig{
			MaxConns: 4,
			MinConns: 0,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then
// environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// ROUTE_FEEDER_BGP__ASN → bgp.asn
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	return cfg, nil
}

// Validate checks everything the serve command needs.
func (c *Config) Validate() error {
	if c.BGP.ASN == 0 {
		return fmt.Errorf("config: bgp.asn is required")
	}
	if c.BGP.RouterID == "" {
		return fmt.Errorf("config: bgp.router_id is required")
	}
	id, err := netip.ParseAddr(c.BGP.RouterID)
	if err != nil || !id.Is4() {
		return fmt.Errorf("config: bgp.router_id must be a dotted-quad IPv4 address (got %q)", c.BGP.RouterID)
	}
	if c.BGP.Nexthop == "" {
		return fmt.Errorf("config: bgp.nexthop is required")
	}
	nh, err := netip.ParseAddr(c.BGP.Nexthop)
	if err != nil {
		return fmt.Errorf("config: bgp.nexthop is not an address: %w", err)
	}
	if c.BGP.ListenHost != "" {
		if _, err := netip.ParseAddr(c.BGP.ListenHost); err != nil {
			return fmt.Errorf("config: bgp.listen_host is not an address: %w", err)
		}
	}
	if c.BGP.Port < 0 || c.BGP.Port > 65535 {
		return fmt.Errorf("config: bgp.port must be in 0..65535 (got %d)", c.BGP.Port)
	}
	if c.BGP.Backlog <= 0 {
		return fmt.Errorf("config: bgp.backlog must be > 0 (got %d)", c.BGP.Backlog)
	}
	if c.BGP.HoldTime != 0 && (c.BGP.HoldTime < 3 || c.BGP.HoldTime > 65535) {
		return fmt.Errorf("config: bgp.hold_time must be 0 or in 3..65535 (got %d)", c.BGP.HoldTime)
	}

	switch c.Feed.Family {
	case "ipv4":
		if !nh.Is4() {
			return fmt.Errorf("config: bgp.nexthop must be IPv4 for family ipv4 (got %s)", nh)
		}
	case "ipv6":
		if !nh.Is6() || nh.Is4In6() {
			return fmt.Errorf("config: bgp.nexthop must be IPv6 for family ipv6 (got %s)", nh)
		}
	default:
		return fmt.Errorf("config: feed.family must be ipv4 or ipv6 (got %q)", c.Feed.Family)
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("config: feed.url is required")
	}
	if len(c.Feed.Country) != 2 {
		return fmt.Errorf("config: feed.country must be a two-letter code (got %q)", c.Feed.Country)
	}
	if c.Feed.IntervalSeconds <= 0 {
		return fmt.Errorf("config: feed.interval_seconds must be > 0 (got %d)", c.Feed.IntervalSeconds)
	}
	if c.Feed.MaxLineBytes <= 0 {
		return fmt.Errorf("config: feed.max_line_bytes must be > 0 (got %d)", c.Feed.MaxLineBytes)
	}
	if c.Feed.TimeoutSeconds < 0 {
		return fmt.Errorf("config: feed.timeout_seconds must be >= 0 (got %d)", c.Feed.TimeoutSeconds)
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when kafka.brokers is set")
	}
	if c.Postgres.Enabled() {
		if err := c.ValidateStore(); err != nil {
			return err
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// ValidateStore checks the settings used by migrate and maintenance.
func (c *Config) ValidateStore() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
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
	return nil
}

func (p PostgresConfig) Enabled() bool { return p.DSN != "" }

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// RouterIDAddr returns the parsed router id. Call after Validate.
func (b BGPConfig) RouterIDAddr() netip.Addr {
	a, _ := netip.ParseAddr(b.RouterID)
	return a
}

// NexthopAddr returns the parsed forced next hop. Call after Validate.
func (b BGPConfig) NexthopAddr() netip.Addr {
	a, _ := netip.ParseAddr(b.Nexthop)
	return a
}

func (f FeedConfig) Interval() time.Duration {
	return time.Duration(f.IntervalSeconds) * time.Second
}

func (f FeedConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
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
	case "SCRAM-SHA-256":
		return scram.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsSha256Mechanism()
	case "SCRAM-SHA-512":
		return scram.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsSha512Mechanism()
	default:
		return nil
	}
}
