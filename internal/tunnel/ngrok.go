package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"

	"github.com/btouchard/taskpulse/internal/config"
)

var _ Tunnel = (*NgrokTunnel)(nil)

// NgrokTunnel publishes the server through an ngrok HTTPS endpoint.
type NgrokTunnel struct {
	cfg config.TunnelConfig

	mu       sync.Mutex
	listener ngroklib.Tunnel
	url      string
}

// NewNgrok creates an unstarted tunnel.
func NewNgrok(cfg config.TunnelConfig) *NgrokTunnel {
	return &NgrokTunnel{cfg: cfg}
}

// Start opens the ngrok endpoint. Requests arriving on the public URL are
// accepted from the returned listener.
func (n *NgrokTunnel) Start(ctx context.Context) (net.Listener, error) {
	if n.cfg.AuthToken == "" {
		return nil, ErrNoAuthToken
	}

	var opts []ngrokconfig.HTTPEndpointOption
	if n.cfg.Domain != "" {
		opts = append(opts, ngrokconfig.WithDomain(n.cfg.Domain))
	}

	ln, err := ngroklib.Listen(ctx,
		ngrokconfig.HTTPEndpoint(opts...),
		ngroklib.WithAuthtoken(n.cfg.AuthToken),
	)
	if err != nil {
		return nil, fmt.Errorf("opening ngrok endpoint: %w", err)
	}

	url := ln.URL()
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		url = "https://" + url
	}

	n.mu.Lock()
	n.listener, n.url = ln, url
	n.mu.Unlock()

	slog.Info("ngrok tunnel established", "public_url", url, "domain", n.cfg.Domain)
	return ln, nil
}

// PublicURL returns the endpoint URL, empty until Start succeeds.
func (n *NgrokTunnel) PublicURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.url
}

// Close tears the endpoint down. Closing an unstarted tunnel is a no-op.
func (n *NgrokTunnel) Close() error {
	n.mu.Lock()
	ln, url := n.listener, n.url
	n.listener, n.url = nil, ""
	n.mu.Unlock()

	if ln == nil {
		return nil
	}
	slog.Info("closing ngrok tunnel", "public_url", url)
	if err := ln.Close(); err != nil {
		return fmt.Errorf("closing ngrok endpoint: %w", err)
	}
	return nil
}
