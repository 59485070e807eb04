package mintconn

import (
	"context"
	"net"
)

// Handshaker secures a freshly dialed or accepted connection. The encrypted
// transport is provided from outside; the returned conn carries plaintext frames.
type Handshaker interface {
	Handshake(ctx context.Context, conn net.Conn, initiator bool) (net.Conn, error)
}

// PlainHandshaker passes connections through unchanged, for deployments where
// the link is already secured (loopback, tunnel, sidecar).
type PlainHandshaker struct{}

// Handshake implements Handshaker
func (PlainHandshaker) Handshake(_ context.Context, conn net.Conn, _ bool) (net.Conn, error) {
	return conn, nil
}
