// Package transport defines the dealer/router socket contract used by MMRP
// nodes and provides implementations for production (TCP and unix sockets)
// and testing (in-memory).
package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoRoute is returned synchronously by Router.Send when no live
	// connection carries the destination identity.
	ErrNoRoute             = errors.New("transport: no route to destination")
	ErrNotConnected        = errors.New("transport: dealer has no connection")
	ErrClosed              = errors.New("transport: socket closed")
	ErrAddressInUse        = errors.New("transport: address already in use")
	ErrWildcardUnsupported = errors.New("transport: wildcard port not supported")
	ErrInvalidURI          = errors.New("transport: invalid uri")
	ErrEmptyMessage        = errors.New("transport: empty message")
)

// Message is one multi-frame message received from a socket.
type Message struct {
	// Sender is the identity of the peer that sent the message. Only routers
	// know it; dealers leave it empty.
	Sender string
	Frames [][]byte
}

// Dealer is an outbound socket. It may connect to several routers; Send
// round-robins between live connections.
type Dealer interface {
	Identity() string
	Connect(uri string) error
	Disconnect(uri string) error
	Send(frames [][]byte) error
	Incoming() <-chan Message
	Close() error
}

// Router is an inbound socket bound to one address. Send uses the first
// frame as the destination identity and strips it before delivery.
type Router interface {
	URI() string
	Send(frames [][]byte) error
	Incoming() <-chan Message
	Close() error
}

// Provider creates sockets.
type Provider interface {
	NewDealer(identity string) (Dealer, error)
	NewRouter(cfg BindConfig) (Router, error)
}

// BindConfig is where a router listens. An empty Host means all interfaces;
// an empty or "*" Port asks the transport to pick one.
type BindConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// Wildcard reports whether the port is left to the transport.
func (c BindConfig) Wildcard() bool {
	return c.Port == "" || c.Port == "*"
}

const (
	schemeTCP    = "tcp"
	schemeIPC    = "ipc"
	schemeMemory = "mem"
)

// splitURI splits "scheme://address".
func splitURI(uri string) (scheme, addr string, err error) {
	scheme, addr, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" || addr == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return scheme, addr, nil
}

const incomingDepth = 1024
