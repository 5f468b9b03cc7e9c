// Package config loads the YAML configuration of a file transfer endpoint
// and turns it into the options of the bytestream, ibb and file packages.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/xmppft/bytestream"
	"github.com/opd-ai/xmppft/disco"
	"github.com/opd-ai/xmppft/file"
	"github.com/opd-ai/xmppft/ibb"
	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/portmap"
	"github.com/opd-ai/xmppft/socks5"
)

// Port mapping modes.
const (
	MappingNone   = "none"
	MappingStatic = "static"
	MappingNATPMP = "natpmp"
	MappingUPnP   = "upnp"
)

// Config is the complete endpoint configuration.
type Config struct {
	Timeouts        Timeouts        `yaml:"timeouts"`
	ProbeCapability bool            `yaml:"probe_capability"`
	Proxies         []Proxy         `yaml:"proxies"`
	LocalStreamhost LocalStreamhost `yaml:"local_streamhost"`
	PortMapping     PortMapping     `yaml:"port_mapping"`
	UpstreamProxy   *UpstreamProxy  `yaml:"upstream_proxy,omitempty"`
	IBB             IBB             `yaml:"ibb"`
	CapabilityCache CapabilityCache `yaml:"capability_cache"`
	Log             Log             `yaml:"log"`
}

// Timeouts bounds every wait of a transfer.
type Timeouts struct {
	SIResponse       time.Duration `yaml:"si_response"`
	Decision         time.Duration `yaml:"decision"`
	Transport        time.Duration `yaml:"transport"`
	Discovery        time.Duration `yaml:"discovery"`
	Probe            time.Duration `yaml:"probe"`
	Offer            time.Duration `yaml:"offer"`
	CandidateConnect time.Duration `yaml:"candidate_connect"`
	Activation       time.Duration `yaml:"activation"`
	IBBOpenWait      time.Duration `yaml:"ibb_open_wait"`
	ChunkAck         time.Duration `yaml:"chunk_ack"`
	IBBIdle          time.Duration `yaml:"ibb_idle"`
}

// Proxy is a bytestream proxy. Host and Port are optional; without them the
// proxy is asked for its address before each offer.
type Proxy struct {
	JID  string `yaml:"jid"`
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// LocalStreamhost configures the listener offered as a direct candidate.
type LocalStreamhost struct {
	Enabled   bool     `yaml:"enabled"`
	Listen    string   `yaml:"listen"`
	Advertise []string `yaml:"advertise,omitempty"`
}

// PortMapping selects how the local streamhost is exposed beyond the NAT.
type PortMapping struct {
	Mode    string `yaml:"mode"`
	Gateway string `yaml:"gateway,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// UpstreamProxy routes outbound streamhost connections through SOCKS5.
type UpstreamProxy struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// IBB configures in-band bytestreams.
type IBB struct {
	BlockSize    int `yaml:"block_size"`
	MaxBlockSize int `yaml:"max_block_size"`
}

// CapabilityCache configures the cache of peer feature probes. A zero size
// disables it.
type CapabilityCache struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// Log configures logrus.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// DefaultConfig returns the configuration used for absent keys.
func DefaultConfig() *Config {
	fc := file.DefaultConfig()
	return &Config{
		Timeouts: Timeouts{
			SIResponse:       fc.SIResponseTimeout,
			Decision:         fc.DecisionTimeout,
			Transport:        fc.TransportTimeout,
			Discovery:        fc.DiscoveryTimeout,
			Probe:            fc.Bytestream.ProbeTimeout,
			Offer:            fc.Bytestream.OfferTimeout,
			CandidateConnect: fc.Bytestream.ConnectTimeout,
			Activation:       fc.Bytestream.ActivationTimeout,
			IBBOpenWait:      fc.IBB.OpenTimeout,
			ChunkAck:         fc.IBB.AckTimeout,
			IBBIdle:          fc.IBB.IdleTimeout,
		},
		ProbeCapability: fc.Bytestream.ProbeCapability,
		LocalStreamhost: LocalStreamhost{Listen: "0.0.0.0:7777"},
		PortMapping:     PortMapping{Mode: MappingNone},
		IBB: IBB{
			BlockSize:    fc.IBB.BlockSize,
			MaxBlockSize: fc.IBB.MaxBlockSize,
		},
		CapabilityCache: CapabilityCache{Size: 256, TTL: 10 * time.Minute},
		Log:             Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
		"proxies":  len(cfg.Proxies),
	}).Info("Configuration loaded")
	return cfg, nil
}

// Parse decodes YAML from r over the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs error

	t := c.Timeouts
	for name, d := range map[string]time.Duration{
		"si_response":       t.SIResponse,
		"decision":          t.Decision,
		"transport":         t.Transport,
		"discovery":         t.Discovery,
		"probe":             t.Probe,
		"offer":             t.Offer,
		"candidate_connect": t.CandidateConnect,
		"activation":        t.Activation,
		"ibb_open_wait":     t.IBBOpenWait,
		"chunk_ack":         t.ChunkAck,
		"ibb_idle":          t.IBBIdle,
	} {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("timeouts.%s must be positive", name))
		}
	}

	for i, p := range c.Proxies {
		if _, err := jid.Parse(p.JID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("proxies[%d]: %w", i, err))
		}
		if (p.Host == "") != (p.Port == 0) {
			errs = multierr.Append(errs, fmt.Errorf("proxies[%d]: host and port must be set together", i))
		}
		if p.Port < 0 || p.Port > 65535 {
			errs = multierr.Append(errs, fmt.Errorf("proxies[%d]: invalid port %d", i, p.Port))
		}
	}

	if c.LocalStreamhost.Enabled {
		if _, _, err := net.SplitHostPort(c.LocalStreamhost.Listen); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("local_streamhost.listen: %w", err))
		}
	}

	switch c.PortMapping.Mode {
	case "", MappingNone, MappingUPnP:
	case MappingStatic:
		if c.PortMapping.Host == "" || c.PortMapping.Port < 0 || c.PortMapping.Port > 65535 {
			errs = multierr.Append(errs, errors.New("port_mapping: static mode needs host and a valid port"))
		}
	case MappingNATPMP:
		if net.ParseIP(c.PortMapping.Gateway) == nil {
			errs = multierr.Append(errs, fmt.Errorf("port_mapping.gateway: %q is not an IP address", c.PortMapping.Gateway))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("port_mapping.mode: unknown mode %q", c.PortMapping.Mode))
	}
	if c.PortMapping.Mode != "" && c.PortMapping.Mode != MappingNone && !c.LocalStreamhost.Enabled {
		errs = multierr.Append(errs, errors.New("port_mapping requires local_streamhost.enabled"))
	}

	if u := c.UpstreamProxy; u != nil && (u.Host == "" || u.Port <= 0 || u.Port > 65535) {
		errs = multierr.Append(errs, errors.New("upstream_proxy: host and a valid port are required"))
	}

	if c.IBB.MaxBlockSize < ibb.MinBlockSize || c.IBB.MaxBlockSize > ibb.MaxBlockSize {
		errs = multierr.Append(errs, fmt.Errorf("ibb.max_block_size must be between %d and %d", ibb.MinBlockSize, ibb.MaxBlockSize))
	}
	if c.IBB.BlockSize < ibb.MinBlockSize || c.IBB.BlockSize > ibb.MaxBlockSize {
		errs = multierr.Append(errs, fmt.Errorf("ibb.block_size must be between %d and %d", ibb.MinBlockSize, ibb.MaxBlockSize))
	}

	if c.CapabilityCache.Size < 0 || (c.CapabilityCache.Size > 0 && c.CapabilityCache.TTL <= 0) {
		errs = multierr.Append(errs, errors.New("capability_cache: size must not be negative and ttl must be positive"))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = multierr.Append(errs, fmt.Errorf("log.format: %q is neither text nor json", c.Log.Format))
	}

	return errs
}

// FileConfig returns the timeouts and transport settings of a file.Manager.
func (c *Config) FileConfig() file.Config {
	t := c.Timeouts
	return file.Config{
		SIResponseTimeout: t.SIResponse,
		DecisionTimeout:   t.Decision,
		TransportTimeout:  t.Transport,
		DiscoveryTimeout:  t.Discovery,
		Bytestream: bytestream.Config{
			ProbeCapability:   c.ProbeCapability,
			ProbeTimeout:      t.Probe,
			OfferTimeout:      t.Offer,
			ConnectTimeout:    t.CandidateConnect,
			ActivationTimeout: t.Activation,
		},
		IBB: ibb.Config{
			BlockSize:    c.IBB.BlockSize,
			MaxBlockSize: c.IBB.MaxBlockSize,
			OpenTimeout:  t.IBBOpenWait,
			AckTimeout:   t.ChunkAck,
			IdleTimeout:  t.IBBIdle,
		},
	}
}

// Mapper returns the configured port mapper, or nil for none.
func (c *Config) Mapper() portmap.Mapper {
	switch c.PortMapping.Mode {
	case MappingStatic:
		return portmap.Static{Host: c.PortMapping.Host, Port: c.PortMapping.Port}
	case MappingNATPMP:
		return portmap.NewNATPMP(net.ParseIP(c.PortMapping.Gateway), c.Timeouts.Discovery)
	case MappingUPnP:
		return portmap.NewUPnP()
	default:
		return nil
	}
}

// Settings returns the streamhost settings for a bytestream.Registry.
func (c *Config) Settings() (bytestream.Settings, error) {
	s := bytestream.Settings{
		LocalStreamhost: c.LocalStreamhost.Enabled,
		AdvertiseHosts:  append([]string(nil), c.LocalStreamhost.Advertise...),
		Mapper:          c.Mapper(),
	}
	for i, p := range c.Proxies {
		addr, err := jid.Parse(p.JID)
		if err != nil {
			return bytestream.Settings{}, fmt.Errorf("proxies[%d]: %w", i, err)
		}
		s.Proxies = append(s.Proxies, bytestream.Proxy{JID: addr, Host: p.Host, Port: p.Port})
	}
	return s, nil
}

// Dialer returns the dialer used to reach streamhosts.
func (c *Config) Dialer() (proxy.ContextDialer, error) {
	if c.UpstreamProxy == nil {
		return bytestream.NewDialer(nil)
	}
	return bytestream.NewDialer(&bytestream.UpstreamProxy{
		Host:     c.UpstreamProxy.Host,
		Port:     c.UpstreamProxy.Port,
		Username: c.UpstreamProxy.Username,
		Password: c.UpstreamProxy.Password,
	})
}

// Capabilities returns the probe cache, or nil when disabled.
func (c *Config) Capabilities() *disco.Cache {
	if c.CapabilityCache.Size <= 0 {
		return nil
	}
	return disco.NewCache(c.CapabilityCache.Size, c.CapabilityCache.TTL)
}

// Endpoint is the set of collaborators built from a Config. Close releases
// the local streamhost.
type Endpoint struct {
	Options  file.Options
	Registry *bytestream.Registry
	Listener *socks5.Listener
}

// Build creates everything a file.Manager needs. Metrics are registered
// with reg when it is not nil.
func (c *Config) Build(reg prometheus.Registerer) (*Endpoint, error) {
	settings, err := c.Settings()
	if err != nil {
		return nil, err
	}
	dialer, err := c.Dialer()
	if err != nil {
		return nil, err
	}

	e := &Endpoint{Registry: bytestream.NewRegistry(settings)}
	if c.LocalStreamhost.Enabled {
		e.Listener, err = socks5.Listen(c.LocalStreamhost.Listen)
		if err != nil {
			return nil, fmt.Errorf("local streamhost: %w", err)
		}
	}

	var metrics *file.Metrics
	if reg != nil {
		metrics = file.NewMetrics(reg)
	}
	e.Options = file.Options{
		Config:       c.FileConfig(),
		Registry:     e.Registry,
		Listener:     e.Listener,
		Dialer:       dialer,
		Capabilities: c.Capabilities(),
		Metrics:      metrics,
	}
	return e, nil
}

// Close releases the endpoint's listener.
func (e *Endpoint) Close() error {
	if e.Listener == nil {
		return nil
	}
	return e.Listener.Close()
}

// ApplyLogging configures the standard logrus logger. The returned closer
// releases the log file, if one was opened.
func ApplyLogging(l Log) (io.Closer, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(l.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if l.File == "" {
		return nopCloser{}, nil
	}
	f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
