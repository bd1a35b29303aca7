package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/raskyld/dotp"
	"github.com/raskyld/dotp/pkg/discovery"
	"github.com/raskyld/dotp/pkg/transport"
)

// Config is the content of a dotpd.toml file.
type Config struct {
	NodeID      string        `toml:"node_id"`
	ListenAddr  string        `toml:"listen_addr"`
	ListenPort  int           `toml:"listen_port"`
	Peers       []string      `toml:"peers"`
	Transport   string        `toml:"transport"`
	CallTimeout time.Duration `toml:"call_timeout"`
	LogLevel    string        `toml:"log_level"`
	TLS         TLSConfig     `toml:"tls"`
	Gossip      GossipConfig  `toml:"gossip"`
}

// TLSConfig holds PEM file paths, required by the quic transport.
type TLSConfig struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
	CA   string `toml:"ca"`
}

type GossipConfig struct {
	Enabled  bool     `toml:"enabled"`
	BindAddr string   `toml:"bind_addr"`
	BindPort int      `toml:"bind_port"`
	Seeds    []string `toml:"seeds"`
	// AdvertiseHost is the host other nodes dial us on, defaults to
	// listen_addr.
	AdvertiseHost string `toml:"advertise_host"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:  dotp.DefaultListenAddr,
		ListenPort:  dotp.DefaultListenPort,
		Transport:   "tcp",
		CallTimeout: dotp.DefaultCallTimeout,
		LogLevel:    "info",
		Gossip: GossipConfig{
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
	}
}

// LoadConfig reads path, if not empty, then applies the DOTP_*
// environment overrides found with getenv.
func LoadConfig(path string, getenv func(string) string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
		}
	}

	if peers := getenv("DOTP_PEERS"); peers != "" {
		cfg.Peers = nil
		for _, peer := range strings.Split(peers, ",") {
			if peer = strings.TrimSpace(peer); peer != "" {
				cfg.Peers = append(cfg.Peers, peer)
			}
		}
	}
	if port := getenv("DOTP_LISTEN_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("DOTP_LISTEN_PORT: %w", err)
		}
		cfg.ListenPort = p
	}
	if id := getenv("DOTP_NODE_ID"); id != "" {
		cfg.NodeID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	switch cfg.Transport {
	case "tcp":
	case "quic":
		if cfg.TLS.Cert == "" || cfg.TLS.Key == "" || cfg.TLS.CA == "" {
			return errors.New("quic transport requires tls.cert, tls.key and tls.ca")
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if _, err := cfg.logLevel(); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) logLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return lvl, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Options turns the config into node options. The node id is resolved
// here since gossip needs it before the node exists.
func (cfg *Config) Options(handler slog.Handler) ([]dotp.Option, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = dotp.NewID()
	}

	opts := []dotp.Option{
		dotp.WithNodeID(cfg.NodeID),
		dotp.WithListenOn(cfg.ListenAddr, cfg.ListenPort),
		dotp.WithPeers(cfg.Peers),
		dotp.WithCallTimeout(cfg.CallTimeout),
		dotp.WithLog(handler),
	}

	if cfg.Transport == "quic" {
		tlsConf, err := cfg.TLS.load()
		if err != nil {
			return nil, err
		}
		q, err := transport.NewQUIC(tlsConf, handler)
		if err != nil {
			return nil, err
		}
		opts = append(opts, dotp.WithTransport(q))
	}

	if cfg.Gossip.Enabled {
		host := cfg.Gossip.AdvertiseHost
		if host == "" {
			host = cfg.ListenAddr
		}
		g, err := discovery.NewGossip(discovery.Config{
			Name:        cfg.NodeID,
			BindAddr:    cfg.Gossip.BindAddr,
			BindPort:    cfg.Gossip.BindPort,
			RuntimeAddr: net.JoinHostPort(host, strconv.Itoa(cfg.ListenPort)),
			Seeds:       cfg.Gossip.Seeds,
			LogHandler:  handler,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, dotp.WithDiscoverer(g))
	}

	return opts, nil
}

func (tc TLSConfig) load() (*tls.Config, error) {
	keypair, err := tls.LoadX509KeyPair(tc.Cert, tc.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load node cert: %w", err)
	}

	caBytes, err := os.ReadFile(tc.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificate found in %s", tc.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
