// Package tunnel publishes the realtime server on a public HTTPS endpoint so
// browsers and mobile clients outside the host network can open the task
// stream and the notification socket.
package tunnel

import (
	"context"
	"errors"
	"net"
)

// ErrNoAuthToken is returned by Start when the provider has no credentials.
var ErrNoAuthToken = errors.New("tunnel auth token is required")

// Tunnel is a public listener for the HTTP server.
type Tunnel interface {
	Start(ctx context.Context) (net.Listener, error)
	PublicURL() string
	Close() error
}
