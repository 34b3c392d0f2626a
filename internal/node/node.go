// Package node implements the MMRP mesh participant.
//
// Design:
//   - A node is a relay, a client, or both. A relay binds a router socket
//     that peer relays and its own clients connect to; every node owns a
//     dealer socket it uses to connect out.
//   - One goroutine reads both sockets and handles messages in arrival
//     order: parse the envelope, strip our own identity from its route,
//     handle broadcast markers, deliver locally, forward what is left.
//   - Relays send through their router (peers reach them through their own
//     dealers); pure clients send through their single upstream dealer.
//   - Peers are learnt from handshakes and dropped on RelayDown. There is no
//     liveness tracking and nothing is persisted.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Operative-001/mmrp/internal/identity"
	"github.com/Operative-001/mmrp/internal/protocol"
	"github.com/Operative-001/mmrp/internal/retry"
	"github.com/Operative-001/mmrp/internal/transport"
)

const (
	defaultHandshakeAttempts = 100
	defaultRetryDelay        = retry.DefaultDelay
)

var (
	ErrNoRole         = errors.New("node: a node must be a relay, a client, or both")
	ErrBindRequired   = errors.New("node: relay requires a router bind config")
	ErrMultipleRelays = errors.New("node: client is connected to more than one relay")
	ErrNoRelay        = errors.New("node: client is not connected to a relay")
	ErrEmptyRoute     = errors.New("node: envelope has no route")
	ErrInvalidStyle   = errors.New("node: unknown broadcast routing style")
)

// Role selects the capabilities of a node.
type Role int

const (
	RoleRelay Role = iota + 1
	RoleClient
	RoleBoth
)

func (r Role) String() string {
	switch r {
	case RoleRelay:
		return "relay"
	case RoleClient:
		return "client"
	case RoleBoth:
		return "both"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole parses "relay", "client" or "both".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "relay":
		return RoleRelay, nil
	case "client":
		return RoleClient, nil
	case "both":
		return RoleBoth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrNoRole, s)
}

// Config configures a Node.
type Config struct {
	Role Role
	// Bind is where the router listens; required for relays.
	Bind *transport.BindConfig
	// ClusterID defaults to the machine hostname.
	ClusterID string
	// Transport defaults to TCP.
	Transport transport.Provider
	// Bootstrap defaults to one for the OS process.
	Bootstrap *identity.Bootstrap
	Logger    *zap.Logger

	HandshakeAttempts int           // defaults to 100
	RetryDelay        time.Duration // defaults to 200ms
}

// RelayConnection is a peer relay this node knows a route to.
type RelayConnection struct {
	URI      string
	Route    []string
	Identity string
}

// ClientConnection is a client attached to this relay.
type ClientConnection struct {
	Route    []string
	Identity string
}

// Node is an MMRP mesh participant.
type Node struct {
	cfg       Config
	log       *zap.Logger
	boot      *identity.Bootstrap
	identity  string
	clusterID string
	isRelay   bool
	isClient  bool

	sockMu    sync.RWMutex
	dealer    transport.Dealer
	router    transport.Router
	routerURI string

	mu      sync.RWMutex
	relays  map[string]RelayConnection
	clients map[string]ClientConnection
	dialed  map[string]string // uri -> relay identity

	deliveries *registry[*protocol.Envelope]
	handshakes *registry[Announcement]

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
}

func normalizeConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewTCP(cfg.Logger)
	}
	if cfg.Bootstrap == nil {
		cfg.Bootstrap = identity.NewBootstrap(nil)
	}
	if cfg.HandshakeAttempts <= 0 {
		cfg.HandshakeAttempts = defaultHandshakeAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return cfg
}

// New creates a Node, opens its sockets and starts receiving.
func New(cfg Config) (*Node, error) {
	cfg = normalizeConfig(cfg)
	isRelay := cfg.Role == RoleRelay || cfg.Role == RoleBoth
	isClient := cfg.Role == RoleClient || cfg.Role == RoleBoth
	if !isRelay && !isClient {
		return nil, ErrNoRole
	}
	if isRelay && cfg.Bind == nil {
		return nil, ErrBindRequired
	}

	clusterID, err := cfg.Bootstrap.ClusterID(cfg.ClusterID)
	if err != nil {
		return nil, err
	}
	id := clusterID
	if !isRelay {
		id = cfg.Bootstrap.DealerIdentity(clusterID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		log:        cfg.Logger.With(zap.String("node", id)),
		boot:       cfg.Bootstrap,
		identity:   id,
		clusterID:  clusterID,
		isRelay:    isRelay,
		isClient:   isClient,
		relays:     make(map[string]RelayConnection),
		clients:    make(map[string]ClientConnection),
		dialed:     make(map[string]string),
		deliveries: newRegistry[*protocol.Envelope](),
		handshakes: newRegistry[Announcement](),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}

	n.dealer, err = cfg.Transport.NewDealer(id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("node: create dealer: %w", err)
	}
	var routerIn <-chan transport.Message
	if isRelay {
		n.router, err = cfg.Transport.NewRouter(*cfg.Bind)
		if err != nil {
			n.dealer.Close() //nolint:errcheck
			cancel()
			n.log.Error("router bind failed", zap.Error(err))
			return nil, fmt.Errorf("node: bind router: %w", err)
		}
		n.routerURI = n.router.URI()
		routerIn = n.router.Incoming()
		n.log.Info("router bound", zap.String("uri", n.routerURI))
	}

	n.deliveries.subscribe(deliveryTopicFor(HandshakeType), n.onHandshake)

	go n.receiveLoop(n.dealer.Incoming(), routerIn)
	return n, nil
}

func (n *Node) Identity() string  { return n.identity }
func (n *Node) ClusterID() string { return n.clusterID }
func (n *Node) IsRelay() bool     { return n.isRelay }
func (n *Node) IsClient() bool    { return n.isClient }

// RouterURI is the resolved bind URI of the router, empty for pure clients.
func (n *Node) RouterURI() string { return n.routerURI }

// Relays returns a snapshot of the known peer relays keyed by identity.
func (n *Node) Relays() map[string]RelayConnection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]RelayConnection, len(n.relays))
	for id, rc := range n.relays {
		rc.Route = append([]string(nil), rc.Route...)
		out[id] = rc
	}
	return out
}

// Relay returns the known peer relay id.
func (n *Node) Relay(id string) (RelayConnection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rc, ok := n.relays[id]
	rc.Route = append([]string(nil), rc.Route...)
	return rc, ok
}

// Clients returns a snapshot of the attached clients keyed by identity.
func (n *Node) Clients() map[string]ClientConnection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]ClientConnection, len(n.clients))
	for id, cc := range n.clients {
		cc.Route = append([]string(nil), cc.Route...)
		out[id] = cc
	}
	return out
}

// OnDelivery calls fn for every envelope delivered to this node whose type
// is msgType or nested below it ("a" matches "a" and "a.b.c"). An empty
// msgType matches everything. The returned function unsubscribes.
//
// Handlers run on the receive loop, and local broadcast deliveries run on
// their own goroutines, so fn may be called concurrently and must be safe
// for that.
func (n *Node) OnDelivery(msgType string, fn func(*protocol.Envelope)) func() {
	return n.deliveries.subscribe(deliveryTopicFor(msgType), fn)
}

// OnHandshake calls fn for every handshake this node receives.
func (n *Node) OnHandshake(fn func(Announcement)) func() {
	return n.handshakes.subscribe("handshake", fn)
}

// Close closes both sockets, drops every subscription and cancels pending
// retries. It is safe to call more than once.
func (n *Node) Close() error {
	var errs []error
	n.stopOnce.Do(func() {
		n.cancel()
		close(n.stopCh)

		n.sockMu.Lock()
		if n.dealer != nil {
			errs = append(errs, n.dealer.Close())
			n.dealer = nil
		}
		if n.router != nil {
			errs = append(errs, n.router.Close())
			n.router = nil
		}
		n.sockMu.Unlock()

		n.deliveries.clear()
		n.handshakes.clear()
		n.log.Debug("closed")
	})
	return errors.Join(errs...)
}

func (n *Node) dealerSocket() transport.Dealer {
	n.sockMu.RLock()
	defer n.sockMu.RUnlock()
	return n.dealer
}

func (n *Node) routerSocket() transport.Router {
	n.sockMu.RLock()
	defer n.sockMu.RUnlock()
	return n.router
}

func (n *Node) receiveLoop(dealerIn, routerIn <-chan transport.Message) {
	for dealerIn != nil || routerIn != nil {
		select {
		case <-n.stopCh:
			return
		case msg, ok := <-dealerIn:
			if !ok {
				dealerIn = nil
				continue
			}
			n.onDealerMessage(msg)
		case msg, ok := <-routerIn:
			if !ok {
				routerIn = nil
				continue
			}
			n.onRouterMessage(msg)
		}
	}
}

func (n *Node) onDealerMessage(msg transport.Message) {
	env, err := protocol.FromFrames(msg.Frames, "")
	if err != nil {
		n.log.Warn("discarding unparseable message from dealer", zap.Error(err))
		return
	}
	n.handleEnvelope(env)
}

func (n *Node) onRouterMessage(msg transport.Message) {
	env, err := protocol.FromFrames(msg.Frames, msg.Sender)
	if err != nil {
		n.log.Warn("discarding unparseable message from router",
			zap.String("sender", msg.Sender), zap.Error(err))
		return
	}
	n.handleEnvelope(env)
}

func (n *Node) handleEnvelope(env *protocol.Envelope) {
	env.ConsumeRoute(n.identity)
	if n.handleBroadcastRequest(env) {
		return
	}
	n.emitDelivery(env)
	if !env.RouteRemains() {
		return
	}
	// Relay sends log their own failures once the retry policy gives up.
	if err := n.Send(env, 1); err != nil && !n.isRelay {
		n.log.Warn("dropping forwarded envelope",
			zap.String("type", env.Type()), zap.Strings("route", env.Route()), zap.Error(err))
	}
}

// emitDelivery delivers env on every topic from its full type down to the
// bare "delivery" topic.
func (n *Node) emitDelivery(env *protocol.Envelope) {
	local := env.Clone()
	for _, topic := range deliveryTopics(env.Type()) {
		n.deliveries.emit(topic, local)
	}
}
