package bytestream

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xmppft/jid"
	"github.com/opd-ai/xmppft/portmap"
)

// Proxy is a configured bytestream proxy. When Host is empty the address
// is discovered by querying the proxy before each offer.
type Proxy struct {
	JID  jid.JID
	Host string
	Port int
}

// Settings is the process-wide streamhost configuration. A Settings value
// obtained from a Registry must be treated as read-only.
type Settings struct {
	// Proxies in preference order.
	Proxies []Proxy

	// LocalStreamhost enables offering the local listener.
	LocalStreamhost bool

	// AdvertiseHosts overrides the addresses offered for the local
	// listener. When empty the listener's bound address is used, or every
	// non-loopback interface address if it is bound to all interfaces.
	AdvertiseHosts []string

	// Mapper yields a port-mapped candidate for the local listener.
	Mapper portmap.Mapper
}

func (s Settings) clone() *Settings {
	s.Proxies = append([]Proxy(nil), s.Proxies...)
	s.AdvertiseHosts = append([]string(nil), s.AdvertiseHosts...)
	return &s
}

// Registry owns the current Settings. Sessions take a snapshot when they
// start, so an update only affects sessions started afterwards.
type Registry struct {
	current atomic.Pointer[Settings]
}

// NewRegistry creates a registry holding initial.
func NewRegistry(initial Settings) *Registry {
	r := &Registry{}
	r.current.Store(initial.clone())
	return r
}

// Snapshot returns the current settings.
func (r *Registry) Snapshot() *Settings {
	return r.current.Load()
}

// Update atomically replaces the settings.
func (r *Registry) Update(s Settings) {
	r.current.Store(s.clone())

	logrus.WithFields(logrus.Fields{
		"function":         "Registry.Update",
		"proxies":          len(s.Proxies),
		"local_streamhost": s.LocalStreamhost,
		"port_mapping":     s.Mapper != nil,
	}).Info("Streamhost configuration replaced")
}
