package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/xmppft/file"
	"github.com/opd-ai/xmppft/portmap"
)

const sampleConfig = `
timeouts:
  probe: 2s
  offer: 15s
probe_capability: false
proxies:
  - jid: proxy.example.com
  - jid: proxy.example.net
    host: 203.0.113.7
    port: 7777
local_streamhost:
  enabled: true
  listen: 127.0.0.1:0
  advertise: [198.51.100.2]
port_mapping:
  mode: static
  host: 198.51.100.2
  port: 17777
ibb:
  block_size: 16384
  max_block_size: 32768
capability_cache:
  size: 10
  ttl: 1m
log:
  level: debug
  format: json
`

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, file.DefaultConfig(), cfg.FileConfig())
	assert.Nil(t, cfg.Mapper())
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Timeouts.Probe)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.Offer)
	// Keys left out keep their defaults.
	assert.Equal(t, DefaultConfig().Timeouts.Activation, cfg.Timeouts.Activation)
	assert.False(t, cfg.ProbeCapability)
	require.Len(t, cfg.Proxies, 2)
	assert.Equal(t, "proxy.example.net", cfg.Proxies[1].JID)

	fc := cfg.FileConfig()
	assert.False(t, fc.Bytestream.ProbeCapability)
	assert.Equal(t, 15*time.Second, fc.Bytestream.OfferTimeout)
	assert.Equal(t, 16384, fc.IBB.BlockSize)
	assert.Equal(t, 32768, fc.IBB.MaxBlockSize)

	settings, err := cfg.Settings()
	require.NoError(t, err)
	require.Len(t, settings.Proxies, 2)
	assert.Equal(t, "proxy.example.com", settings.Proxies[0].JID.String())
	assert.Empty(t, settings.Proxies[0].Host)
	assert.Equal(t, "203.0.113.7", settings.Proxies[1].Host)
	assert.Equal(t, 7777, settings.Proxies[1].Port)
	assert.True(t, settings.LocalStreamhost)
	assert.Equal(t, []string{"198.51.100.2"}, settings.AdvertiseHosts)
	assert.Equal(t, portmap.Static{Host: "198.51.100.2", Port: 17777}, settings.Mapper)

	assert.NotNil(t, cfg.Capabilities())
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("timeouts:\n  probes: 1s\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero timeout", func(c *Config) { c.Timeouts.ChunkAck = 0 }, "timeouts.chunk_ack"},
		{"bad proxy jid", func(c *Config) { c.Proxies = []Proxy{{JID: "@"}} }, "proxies[0]"},
		{"proxy host without port", func(c *Config) {
			c.Proxies = []Proxy{{JID: "proxy.example.com", Host: "10.0.0.1"}}
		}, "host and port"},
		{"bad listen address", func(c *Config) {
			c.LocalStreamhost = LocalStreamhost{Enabled: true, Listen: "nowhere"}
		}, "local_streamhost.listen"},
		{"unknown mapping", func(c *Config) { c.PortMapping.Mode = "carrier-pigeon" }, "unknown mode"},
		{"natpmp without gateway", func(c *Config) {
			c.LocalStreamhost.Enabled = true
			c.PortMapping.Mode = MappingNATPMP
		}, "port_mapping.gateway"},
		{"mapping without listener", func(c *Config) { c.PortMapping.Mode = MappingUPnP }, "requires local_streamhost"},
		{"upstream without port", func(c *Config) { c.UpstreamProxy = &UpstreamProxy{Host: "127.0.0.1"} }, "upstream_proxy"},
		{"block size too small", func(c *Config) { c.IBB.BlockSize = 1024 }, "ibb.block_size"},
		{"max block size too large", func(c *Config) { c.IBB.MaxBlockSize = 70000 }, "ibb.max_block_size"},
		{"cache without ttl", func(c *Config) { c.CapabilityCache.TTL = 0 }, "capability_cache"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.Probe = 0
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts.probe")
	assert.Contains(t, err.Error(), "log.format")
}

func TestMapperModes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.Discovery = 3 * time.Second

	cfg.PortMapping = PortMapping{Mode: MappingNATPMP, Gateway: "192.168.1.1"}
	m := cfg.Mapper()
	require.NotNil(t, m)
	assert.Equal(t, "nat-pmp", m.Name())
	natpmp, ok := m.(*portmap.NATPMP)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.1", natpmp.Gateway.String())
	assert.Equal(t, 3*time.Second, natpmp.Timeout)

	cfg.PortMapping = PortMapping{Mode: MappingUPnP}
	require.NotNil(t, cfg.Mapper())
	assert.Equal(t, "upnp", cfg.Mapper().Name())
}

func TestDialer(t *testing.T) {
	cfg := DefaultConfig()
	d, err := cfg.Dialer()
	require.NoError(t, err)
	assert.Equal(t, proxy.Direct, d)

	cfg.UpstreamProxy = &UpstreamProxy{Host: "127.0.0.1", Port: 1080, Username: "u", Password: "p"}
	d, err = cfg.Dialer()
	require.NoError(t, err)
	assert.NotEqual(t, proxy.Direct, d)
}

func TestBuild(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalStreamhost = LocalStreamhost{Enabled: true, Listen: "127.0.0.1:0"}
	cfg.Proxies = []Proxy{{JID: "proxy.example.com"}}
	require.NoError(t, cfg.Validate())

	e, err := cfg.Build(prometheus.NewRegistry())
	require.NoError(t, err)
	defer e.Close()

	require.NotNil(t, e.Listener)
	assert.NotZero(t, e.Listener.Addr().Port)
	assert.Same(t, e.Listener, e.Options.Listener)
	assert.Same(t, e.Registry, e.Options.Registry)
	assert.NotNil(t, e.Options.Metrics)
	assert.NotNil(t, e.Options.Capabilities)
	assert.Len(t, e.Registry.Snapshot().Proxies, 1)
	assert.True(t, e.Registry.Snapshot().LocalStreamhost)
}

func TestBuildWithoutListener(t *testing.T) {
	e, err := DefaultConfig().Build(nil)
	require.NoError(t, err)
	assert.Nil(t, e.Listener)
	assert.Nil(t, e.Options.Metrics)
	assert.NoError(t, e.Close())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xmppft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)
	defer logrus.SetOutput(logrus.StandardLogger().Out)

	path := filepath.Join(t.TempDir(), "xmppft.log")
	closer, err := ApplyLogging(Log{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	_, isJSON := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	logrus.WithFields(logrus.Fields{"function": "TestApplyLogging"}).Warn("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"function":"TestApplyLogging"`)

	_, err = ApplyLogging(Log{Level: "loud", Format: "text"})
	assert.Error(t, err)
}
