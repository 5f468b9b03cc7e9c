package bytestream

import (
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// UpstreamProxy routes outbound streamhost connections through a SOCKS5
// proxy, for hosts that cannot open TCP connections directly.
type UpstreamProxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// NewDialer returns the dialer used to reach streamhosts: direct when
// upstream is nil, otherwise through the upstream SOCKS5 proxy.
func NewDialer(upstream *UpstreamProxy) (proxy.ContextDialer, error) {
	if upstream == nil || upstream.Host == "" {
		return proxy.Direct, nil
	}

	addr := net.JoinHostPort(upstream.Host, strconv.Itoa(upstream.Port))

	var auth *proxy.Auth
	if upstream.Username != "" || upstream.Password != "" {
		auth = &proxy.Auth{
			User:     upstream.Username,
			Password: upstream.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "NewDialer",
			"proxy_addr": addr,
			"error":      err.Error(),
		}).Error("Failed to create upstream SOCKS5 dialer")
		return nil, fmt.Errorf("create upstream socks5 dialer: %w", err)
	}

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream socks5 dialer does not support contexts")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewDialer",
		"proxy_addr": addr,
	}).Info("Streamhost connections routed through upstream proxy")
	return cd, nil
}
