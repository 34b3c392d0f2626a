package node

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Operative-001/mmrp/internal/protocol"
	"github.com/Operative-001/mmrp/internal/retry"
	"github.com/Operative-001/mmrp/internal/transport"
)

// RoutingStyle is a broadcast marker placed in a route.
type RoutingStyle string

const (
	// StyleAll reaches peer relays and attached clients.
	StyleAll RoutingStyle = "*"
	// StyleRelays reaches peer relays only.
	StyleRelays RoutingStyle = "*:r"
	// StyleClients reaches attached clients only.
	StyleClients RoutingStyle = "*:c"
)

// broadcastHopLimit caps client-only fan-out. A "*:c" broadcast whose return
// route already names this many distinct nodes is delivered where it is and
// goes no further.
const broadcastHopLimit = 2

func (s RoutingStyle) valid() bool {
	return s == StyleAll || s == StyleRelays || s == StyleClients
}

// Send sends env along its route, retrying up to attempts times on relays.
// A relay records itself in the return route of tracked envelopes and turns
// a leading "*" into a broadcast. A pure client sends to its one relay.
func (n *Node) Send(env *protocol.Envelope, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	if n.isRelay {
		return n.sendViaRouter(env, attempts)
	}

	dealer := n.dealerSocket()
	if dealer == nil {
		return transport.ErrClosed
	}
	n.mu.RLock()
	relays := len(n.relays)
	n.mu.RUnlock()
	switch {
	case relays > 1:
		return fmt.Errorf("%w: %d relays", ErrMultipleRelays, relays)
	case relays == 0:
		return ErrNoRelay
	}
	if err := dealer.Send(env.Frames()); err != nil {
		return fmt.Errorf("node: send %s: %w", env.Type(), err)
	}
	return nil
}

func (n *Node) sendViaRouter(env *protocol.Envelope, attempts int) error {
	router := n.routerSocket()
	if router == nil {
		return transport.ErrClosed
	}
	dest, ok := env.NextHop()
	if !ok {
		return ErrEmptyRoute
	}
	if dest == string(StyleAll) {
		env.ConsumeRoute(dest)
		return n.Broadcast(env, StyleAll)
	}
	if env.IsFlagged(protocol.FlagTrackRoute) {
		// The router does not reveal us to the dealer on the other end.
		env.InjectSender(n.identity)
	}

	frames := env.Frames()
	op := func() error {
		err := router.Send(frames)
		if errors.Is(err, transport.ErrClosed) {
			return retry.Permanent(err)
		}
		return err
	}
	return retry.Do(n.ctx, retry.Policy{Attempts: attempts, Delay: n.cfg.RetryDelay}, op, n.sendGivenUp(env.Type(), dest))
}

func (n *Node) sendGivenUp(msgType, dest string) retry.GiveUpFunc {
	return func(attempts int, err error) {
		fields := []zap.Field{
			zap.String("type", msgType),
			zap.String("destination", dest),
			zap.Int("attempts", attempts),
		}
		if errors.Is(err, transport.ErrNoRoute) {
			n.log.Warn("no route to destination; dropping envelope", fields...)
			return
		}
		n.log.Error("send failed; dropping envelope", append(fields, zap.Error(err))...)
	}
}

// Broadcast delivers env locally and fans it out according to style. An
// empty style means StyleAll. The local delivery runs on its own goroutine,
// concurrently with deliveries from the receive loop.
func (n *Node) Broadcast(env *protocol.Envelope, style RoutingStyle) error {
	if style == "" {
		style = StyleAll
	}
	if !style.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStyle, style)
	}
	env.SetFlag(protocol.FlagTrackRoute)

	local := env.Clone()
	go n.emitDelivery(local)

	returnRoute := env.ReturnRoute()
	if style == StyleClients && distinctHops(returnRoute) >= broadcastHopLimit {
		return nil
	}
	var errs []error
	for _, route := range n.broadcastTargets(returnRoute, style) {
		if err := n.Send(env.WithRoute(route), 1); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// broadcastTargets lists the routes a broadcast fans out to. Peers already
// present in returnRoute have seen the envelope and are skipped.
func (n *Node) broadcastTargets(returnRoute []string, style RoutingStyle) [][]string {
	visited := make(map[string]bool, len(returnRoute))
	for _, id := range returnRoute {
		visited[id] = true
	}
	// Peer relays of a relay only reach their own clients; the one relay of
	// a pure client fans out fully.
	marker := StyleAll
	if n.isRelay {
		marker = StyleClients
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	var routes [][]string
	if style == StyleAll || style == StyleRelays {
		for _, id := range sortedKeys(n.relays) {
			if visited[id] {
				continue
			}
			route := append([]string(nil), n.relays[id].Route...)
			routes = append(routes, append(route, string(marker)))
		}
	}
	if style == StyleAll || style == StyleClients {
		for _, id := range sortedKeys(n.clients) {
			if visited[id] {
				continue
			}
			routes = append(routes, append([]string(nil), n.clients[id].Route...))
		}
	}
	return routes
}

// handleBroadcastRequest fans out env if its route starts with a broadcast
// marker and reports whether it did. Pure clients never fan out.
func (n *Node) handleBroadcastRequest(env *protocol.Envelope) bool {
	if !n.isRelay {
		return false
	}
	next, ok := env.NextHop()
	if !ok {
		return false
	}
	style := RoutingStyle(next)
	if !style.valid() {
		return false
	}
	env.ConsumeRoute(next)
	if err := n.Broadcast(env, style); err != nil {
		n.log.Warn("broadcast incomplete", zap.String("type", env.Type()), zap.Error(err))
	}
	return true
}

func distinctHops(route []string) int {
	hops := make(map[string]struct{}, len(route))
	for _, id := range route {
		hops[id] = struct{}{}
	}
	return len(hops)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
