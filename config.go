package dealer

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/raskyld/dealer/pkg/discovery"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration read by NewFromConfig.
type Config struct {
	Discovery DiscoveryConfig      `yaml:"discovery"`
	Storage   StorageConfig        `yaml:"storage"`
	Transport TransportConfig      `yaml:"transport"`
	Services  []ServiceConfigEntry `yaml:"services"`
}

type DiscoveryConfig struct {
	Interval time.Duration `yaml:"interval"`
	Gossip   *GossipEntry  `yaml:"gossip"`
}

type GossipEntry struct {
	BindAddr   string   `yaml:"bind_addr"`
	BindPort   int      `yaml:"bind_port"`
	NodeName   string   `yaml:"node_name"`
	Profile    string   `yaml:"profile"`
	Neighbours []string `yaml:"neighbours"`
}

type StorageConfig struct {
	// Type is one of none (default), memory or dir.
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type TransportConfig struct {
	// Type is quic (default) or memory.
	Type               string        `yaml:"type"`
	BindAddr           string        `yaml:"bind_addr"`
	BindPort           int           `yaml:"bind_port"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	CA                 string        `yaml:"ca"`
	Cert               string        `yaml:"cert"`
	Key                string        `yaml:"key"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// ServiceConfigEntry describes a service. Hosts is a path for the file
// discovery, a URL for http and a list for static.
type ServiceConfigEntry struct {
	Name        string   `yaml:"name"`
	App         string   `yaml:"app"`
	Discovery   string   `yaml:"discovery"`
	Hosts       Hosts    `yaml:"hosts"`
	DefaultPort int      `yaml:"default_port"`
	Handles     []string `yaml:"handles"`
	Policy      Policy   `yaml:"policy"`
}

// Hosts accepts a scalar or a sequence.
type Hosts []string

func (h *Hosts) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*h = Hosts{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*h = list
		return nil
	default:
		return fmt.Errorf("line %d: hosts must be a string or a list", node.Line)
	}
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	var errs []error
	switch cfg.Storage.Type {
	case "", "none", "memory":
	case "dir":
		if cfg.Storage.Path == "" {
			errs = append(errs, errors.New("storage: dir requires a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown type %q", cfg.Storage.Type))
	}

	switch cfg.Transport.Type {
	case "", "quic", "memory":
	default:
		errs = append(errs, fmt.Errorf("transport: unknown type %q", cfg.Transport.Type))
	}

	seen := make(map[string]bool)
	for i, svc := range cfg.Services {
		where := fmt.Sprintf("services[%d]", i)
		if svc.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else if seen[svc.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate service %s", where, svc.Name))
		}
		seen[svc.Name] = true
		if len(svc.Handles) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one handle is required", where))
		}
		switch svc.Discovery {
		case "file", "http":
			if len(svc.Hosts) != 1 {
				errs = append(errs, fmt.Errorf("%s: %s discovery takes a single hosts location", where, svc.Discovery))
			}
		case "static":
			if len(svc.Hosts) == 0 {
				errs = append(errs, fmt.Errorf("%s: static discovery needs hosts", where))
			}
		case "gossip":
			if cfg.Discovery.Gossip == nil {
				errs = append(errs, fmt.Errorf("%s: gossip discovery is not configured", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown discovery %q", where, svc.Discovery))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return nil
}

// Options translates the configuration into client options.
func (cfg *Config) Options() ([]Option, error) {
	var opts []Option

	if cfg.Discovery.Interval > 0 {
		opts = append(opts, WithDiscoveryInterval(cfg.Discovery.Interval))
	}
	if g := cfg.Discovery.Gossip; g != nil {
		opts = append(opts, WithGossip(discovery.GossipConfig{
			NodeName:   g.NodeName,
			BindAddr:   g.BindAddr,
			BindPort:   g.BindPort,
			Profile:    g.Profile,
			Neighbours: g.Neighbours,
		}))
	}

	switch cfg.Storage.Type {
	case "memory":
		opts = append(opts, WithStore(storage.NewMemory()))
	case "dir":
		dir, err := storage.OpenDir(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStore(dir))
	}

	switch cfg.Transport.Type {
	case "memory":
		opts = append(opts, WithRouter(router.NewNetwork()))
	default:
		tlsConf, err := cfg.Transport.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			WithTlsConfig(tlsConf),
			WithListenOn(cfg.Transport.BindAddr, cfg.Transport.BindPort),
			WithDialTimeout(cfg.Transport.DialTimeout),
		)
	}

	for _, svc := range cfg.Services {
		var fetcher discovery.Fetcher
		switch svc.Discovery {
		case "file":
			fetcher = discovery.NewFile(svc.Hosts[0], svc.DefaultPort)
		case "http":
			fetcher = discovery.NewHTTP(svc.Hosts[0], http.DefaultClient, svc.DefaultPort)
		case "static":
			eps, err := discovery.ParseHosts(strings.Join(svc.Hosts, "\n"), svc.DefaultPort)
			if err != nil {
				return nil, fmt.Errorf("%w: service %s: %w", ErrInvalidCfg, svc.Name, err)
			}
			fetcher = discovery.NewStatic(eps)
		case "gossip":
			opts = append(opts, WithGossipService(svc.Name, svc.Handles, svc.Policy))
			continue
		}
		opts = append(opts, WithService(svc.Name, svc.Handles, fetcher, svc.Policy))
	}
	return opts, nil
}

func (tc TransportConfig) tlsConfig() (*tls.Config, error) {
	conf := &tls.Config{InsecureSkipVerify: tc.InsecureSkipVerify} //nolint:gosec

	if tc.Cert != "" || tc.Key != "" {
		keypair, err := tls.LoadX509KeyPair(tc.Cert, tc.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load client cert: %w", ErrInvalidCfg, err)
		}
		conf.Certificates = []tls.Certificate{keypair}
	}

	if tc.CA != "" {
		caBytes, err := os.ReadFile(tc.CA)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load CA: %w", ErrInvalidCfg, err)
		}
		caBundle := x509.NewCertPool()
		if !caBundle.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("%w: no certificate in %s", ErrInvalidCfg, tc.CA)
		}
		conf.RootCAs = caBundle
		conf.ClientCAs = caBundle
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}
