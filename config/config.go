// Package config loads the settings of a wire node from flags, WIRE_* environment
// variables and an optional .env file, in that order of precedence.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendEtcd   = "etcd"
	BackendConsul = "consul"
	BackendMemory = "memory"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Zone string
	Node string
	Root string

	Backend        string
	EtcdEndpoints  []string
	ConsulAddr     string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	TTL            time.Duration
	RescanInterval time.Duration

	ListenAddr    string
	AdvertiseAddr string
	TLSCert       string
	TLSKey        string
	CAFile        string // trusted by clients when dialing secure endpoints
	ClientCA      string // when set, servers require client certificates signed by it

	InsecureSkipVerify bool
	Retries            int
	RateLimit          float64 // requests per second per admin, 0 disables
	RateBurst          int

	MetricsAddr string
	LogLevel    string
	Development bool
	Echo        bool
}

// Load reads the .env file named by WIRE_ENV_FILE (default ".env") if present, then
// parses args with defaults taken from the environment, then validates.
func Load(args []string) (Config, error) {
	if err := loadDotEnv(getenv("WIRE_ENV_FILE", ".env")); err != nil {
		return Config{}, fmt.Errorf("config: load env file: %w", err)
	}

	var (
		cfg  Config
		etcd string
	)
	fs := flag.NewFlagSet("wirenode", flag.ContinueOnError)
	fs.StringVar(&cfg.Zone, "zone", getenv("WIRE_ZONE", "default"), "zone of this node (env WIRE_ZONE)")
	fs.StringVar(&cfg.Node, "node", getenv("WIRE_NODE", hostname()), "node name (env WIRE_NODE)")
	fs.StringVar(&cfg.Root, "root", getenv("WIRE_ROOT", "/mini-wire/endpoints"), "directory root (env WIRE_ROOT)")
	fs.StringVar(&cfg.Backend, "backend", getenv("WIRE_BACKEND", BackendEtcd), "directory backend: etcd, consul or memory (env WIRE_BACKEND)")
	fs.StringVar(&etcd, "etcd", getenv("WIRE_ETCD_ENDPOINTS", "127.0.0.1:2379"), "comma separated etcd endpoints (env WIRE_ETCD_ENDPOINTS)")
	fs.StringVar(&cfg.ConsulAddr, "consul", getenv("WIRE_CONSUL_ADDR", "127.0.0.1:8500"), "consul agent address (env WIRE_CONSUL_ADDR)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", getenvDuration("WIRE_DIAL_TIMEOUT", 5*time.Second), "directory dial timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", getenvDuration("WIRE_REQUEST_TIMEOUT", 5*time.Second), "directory request timeout")
	fs.DurationVar(&cfg.TTL, "ttl", getenvDuration("WIRE_TTL", 30*time.Second), "TTL of published entries; renewed 10s before expiry")
	fs.DurationVar(&cfg.RescanInterval, "rescan-interval", getenvDuration("WIRE_RESCAN_INTERVAL", 2*time.Second), "minimum spacing of rescans after watch errors")
	fs.StringVar(&cfg.ListenAddr, "listen", getenv("WIRE_LISTEN", "0.0.0.0:7400"), "admin listen address (env WIRE_LISTEN)")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", getenv("WIRE_ADVERTISE", ""), "address published for exports, defaults to the listen address")
	fs.StringVar(&cfg.TLSCert, "cert", getenv("WIRE_TLS_CERT", ""), "TLS certificate; exports are secure when set")
	fs.StringVar(&cfg.TLSKey, "key", getenv("WIRE_TLS_KEY", ""), "TLS key")
	fs.StringVar(&cfg.CAFile, "ca", getenv("WIRE_CA_FILE", ""), "CA used to verify secure endpoints")
	fs.StringVar(&cfg.ClientCA, "client-ca", getenv("WIRE_CLIENT_CA", ""), "CA required of clients (mTLS)")
	fs.BoolVar(&cfg.InsecureSkipVerify, "insecure", getenvBool("WIRE_INSECURE", false), "skip verification of secure endpoints (not recommended)")
	fs.IntVar(&cfg.Retries, "retries", getenvInt("WIRE_RETRIES", 2), "retries of a failed send, negative disables")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", getenvFloat("WIRE_RATE_LIMIT", 0), "received requests per second, 0 disables")
	fs.IntVar(&cfg.RateBurst, "rate-burst", getenvInt("WIRE_RATE_BURST", 100), "burst of the rate limit")
	fs.StringVar(&cfg.MetricsAddr, "metrics", getenv("WIRE_METRICS_ADDR", ":9400"), "prometheus listen address, empty disables")
	fs.StringVar(&cfg.LogLevel, "log-level", getenv("WIRE_LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.BoolVar(&cfg.Development, "dev", getenvBool("WIRE_DEV", false), "development logging")
	fs.BoolVar(&cfg.Echo, "echo", getenvBool("WIRE_ECHO", false), "export an echo receiver")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.EtcdEndpoints = splitAndTrim(etcd)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Zone == "":
		return fmt.Errorf("%w: zone is required", ErrInvalid)
	case c.Node == "":
		return fmt.Errorf("%w: node is required", ErrInvalid)
	case strings.ContainsAny(c.Zone+c.Node, "/\n"):
		return fmt.Errorf("%w: zone and node must not contain '/' or newlines", ErrInvalid)
	case c.TTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalid)
	case (c.TLSCert == "") != (c.TLSKey == ""):
		return fmt.Errorf("%w: cert and key go together", ErrInvalid)
	case c.ClientCA != "" && c.TLSCert == "":
		return fmt.Errorf("%w: client-ca needs cert and key", ErrInvalid)
	}
	switch c.Backend {
	case BackendEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("%w: etcd backend needs endpoints", ErrInvalid)
		}
	case BackendConsul:
		if c.ConsulAddr == "" {
			return fmt.Errorf("%w: consul backend needs an address", ErrInvalid)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	return nil
}

// ServerTLS returns the listener config, or nil when no certificate is configured.
// ClientCA turns on mutual TLS.
func (c Config) ServerTLS() (*tls.Config, error) {
	if c.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCA != "" {
		pool, err := loadPool(c.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientTLS returns the config used to dial secure endpoints. It presents the node
// certificate when one is configured, for peers requiring mTLS.
func (c Config) ClientTLS() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		cfg.RootCAs = pool
	}
	if c.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", file)
	}
	return pool, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func getenvInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return def
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
