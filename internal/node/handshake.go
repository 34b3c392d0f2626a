package node

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Operative-001/mmrp/internal/protocol"
	"github.com/Operative-001/mmrp/internal/transport"
)

// HandshakeType is the reserved message type of handshake envelopes.
const HandshakeType = "mmrp.handshake"

// Announcement is the handshake payload a node sends about itself.
type Announcement struct {
	Hostname  string `json:"hostname"`
	ClusterID string `json:"clusterId"`
	PID       int    `json:"pid"`
	Identity  string `json:"identity"`
	RouterURI string `json:"routerUri,omitempty"`
	IsRelay   bool   `json:"isRelay"`
	IsClient  bool   `json:"isClient"`
}

func (n *Node) announcement() Announcement {
	return Announcement{
		Hostname:  n.boot.Hostname(),
		ClusterID: n.clusterID,
		PID:       n.boot.PID(),
		Identity:  n.identity,
		RouterURI: n.routerURI,
		IsRelay:   n.isRelay,
		IsClient:  n.isClient,
	}
}

// Handshake announces this node along route. The peer at the end of the
// route may not have connected back yet, so relays retry the send.
func (n *Node) Handshake(route []string) error {
	payload, err := json.Marshal(n.announcement())
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(HandshakeType, payload, route, nil, protocol.FlagTrackRoute)
	if err != nil {
		return err
	}
	return n.Send(env, n.cfg.HandshakeAttempts)
}

func (n *Node) onHandshake(env *protocol.Envelope) {
	msgs := env.Messages()
	if len(msgs) == 0 {
		n.log.Warn("handshake without payload", zap.Strings("return_route", env.ReturnRoute()))
		return
	}
	var a Announcement
	if err := json.Unmarshal(msgs[0], &a); err != nil {
		n.log.Warn("unparseable handshake payload", zap.Error(err))
		return
	}
	if a.Identity == "" {
		n.log.Warn("handshake without identity", zap.String("cluster", a.ClusterID))
		return
	}
	route := env.ReturnRoute()
	if len(route) == 0 {
		n.log.Warn("handshake without return route", zap.String("identity", a.Identity))
		return
	}

	n.mu.Lock()
	if a.IsRelay && a.ClusterID != n.clusterID {
		// A bound router may announce a wildcard host; the URI we dialed is
		// the one that reaches it.
		uri := a.RouterURI
		if dialed := n.dialedURI(a.Identity); dialed != "" {
			uri = dialed
		}
		n.relays[a.Identity] = RelayConnection{URI: uri, Route: route, Identity: a.Identity}
	}
	if n.isRelay && a.IsClient && a.ClusterID == n.clusterID {
		n.clients[a.Identity] = ClientConnection{Route: route, Identity: a.Identity}
	}
	n.mu.Unlock()

	n.log.Debug("handshake received",
		zap.String("identity", a.Identity),
		zap.String("cluster", a.ClusterID),
		zap.String("hostname", a.Hostname),
		zap.Bool("relay", a.IsRelay),
		zap.Bool("client", a.IsClient),
		zap.Strings("route", route))
	n.handshakes.emit("handshake", a)
}

// Connect dials the relay id reachable at uri and handshakes with it. It
// does nothing if uri has been dialed already.
func (n *Node) Connect(uri, id string) error {
	n.mu.Lock()
	if _, ok := n.dialed[uri]; ok {
		n.mu.Unlock()
		return nil
	}
	n.dialed[uri] = id
	_, known := n.relays[id]
	if !known {
		n.relays[id] = RelayConnection{URI: uri, Route: []string{id}, Identity: id}
	}
	n.mu.Unlock()

	dealer := n.dealerSocket()
	if dealer == nil {
		n.undial(uri, id, !known)
		return transport.ErrClosed
	}
	if err := dealer.Connect(uri); err != nil {
		n.undial(uri, id, !known)
		n.log.Warn("relay connect failed", zap.String("uri", uri), zap.String("identity", id), zap.Error(err))
		return fmt.Errorf("node: connect %s: %w", uri, err)
	}
	if known {
		n.mu.Lock()
		if rc, ok := n.relays[id]; ok {
			rc.URI = uri
			n.relays[id] = rc
		}
		n.mu.Unlock()
	}
	n.log.Info("connected to relay", zap.String("uri", uri), zap.String("identity", id))
	return n.Handshake([]string{id})
}

// RelayUp reacts to a relay announced by peer discovery. Relays peer with
// every other relay; pure clients only attach to the relay of their own
// cluster. Announcements of our own router are ignored.
func (n *Node) RelayUp(uri, id string) error {
	if n.routerURI != "" && uri == n.routerURI {
		n.log.Debug("ignoring announcement of own router", zap.String("uri", uri))
		return nil
	}
	if !n.isRelay {
		if n.isClient && id == n.clusterID {
			return n.Connect(uri, id)
		}
		return nil
	}
	return n.Connect(uri, id)
}

// RelayDown forgets the relay reachable at uri and disconnects from it.
func (n *Node) RelayDown(uri string) error {
	n.mu.Lock()
	dialedID, dialed := n.dialed[uri]
	delete(n.dialed, uri)
	var found string
	if _, ok := n.relays[dialedID]; dialed && ok {
		found = dialedID
	} else {
		for id, rc := range n.relays {
			if rc.URI == uri {
				found = id
				break
			}
		}
	}
	if found != "" {
		delete(n.relays, found)
	}
	n.mu.Unlock()
	if found == "" && !dialed {
		return nil
	}
	n.log.Info("relay down", zap.String("uri", uri), zap.String("identity", found))
	dealer := n.dealerSocket()
	if !dialed || dealer == nil {
		return nil
	}
	return dealer.Disconnect(uri)
}

// dialedURI returns the URI id was dialed at. The caller holds n.mu.
func (n *Node) dialedURI(id string) string {
	for uri, dialedID := range n.dialed {
		if dialedID == id {
			return uri
		}
	}
	return ""
}

func (n *Node) undial(uri, id string, forget bool) {
	n.mu.Lock()
	delete(n.dialed, uri)
	if forget {
		delete(n.relays, id)
	}
	n.mu.Unlock()
}
