package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/Operative-001/mmrp/internal/node"
	"github.com/Operative-001/mmrp/internal/protocol"
)

// meshNode is the part of a node the console drives.
type meshNode interface {
	Send(env *protocol.Envelope, attempts int) error
	Broadcast(env *protocol.Envelope, style node.RoutingStyle) error
	Relays() map[string]node.RelayConnection
	Clients() map[string]node.ClientConnection
	RelayDown(uri string) error
}

var (
	okColor    = color.New(color.FgGreen)
	errColor   = color.New(color.FgRed)
	infoColor  = color.New(color.FgCyan)
	faintColor = color.New(color.Faint)
)

const consoleHelp = `commands:
  send <hop,hop,...> <type> <message>   send along a route
  broadcast[:r|:c] <type> <message>     broadcast to relays and/or clients
  peers                                 list known relays and clients
  down <uri>                            forget a relay
  quit                                  stop the node`

type console struct {
	n   meshNode
	out io.Writer
}

// run reads commands from in until it ends or "quit" is entered.
func (c *console) run(in io.Reader) {
	fmt.Fprint(c.out, "> ")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if c.dispatch(scanner.Text()) {
			return
		}
		fmt.Fprint(c.out, "> ")
	}
}

// dispatch runs one console line and reports whether the console should exit.
func (c *console) dispatch(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch {
	case cmd == "send":
		parts := strings.SplitN(strings.TrimSpace(rest), " ", 3)
		if len(parts) < 3 {
			fmt.Fprintln(c.out, "usage: send <hop,hop,...> <type> <message>")
			return false
		}
		env, err := protocol.NewEnvelope(parts[1], parts[2], splitRoute(parts[0]), nil, protocol.FlagTrackRoute)
		if err == nil {
			err = c.n.Send(env, 1)
		}
		c.report(err, "sent to %s", parts[0])
	case cmd == "broadcast" || strings.HasPrefix(cmd, "broadcast:"):
		style := node.RoutingStyle("*" + strings.TrimPrefix(cmd, "broadcast"))
		parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
		if len(parts) < 2 {
			fmt.Fprintln(c.out, "usage: broadcast[:r|:c] <type> <message>")
			return false
		}
		env, err := protocol.NewEnvelope(parts[0], parts[1], nil, nil, protocol.FlagNone)
		if err == nil {
			err = c.n.Broadcast(env, style)
		}
		c.report(err, "broadcast %s", style)
	case cmd == "peers":
		c.peers()
	case cmd == "down":
		uri := strings.TrimSpace(rest)
		if uri == "" {
			fmt.Fprintln(c.out, "usage: down <uri>")
			return false
		}
		c.report(c.n.RelayDown(uri), "forgot %s", uri)
	case cmd == "help":
		fmt.Fprintln(c.out, consoleHelp)
	case cmd == "quit" || cmd == "exit":
		return true
	default:
		errColor.Fprintf(c.out, "unknown command: %s\n", cmd)
	}
	return false
}

func (c *console) report(err error, format string, args ...any) {
	if err != nil {
		errColor.Fprintf(c.out, "error: %v\n", err)
		return
	}
	okColor.Fprintf(c.out, "✓ "+format+"\n", args...)
}

func (c *console) peers() {
	relays := c.n.Relays()
	clients := c.n.Clients()
	infoColor.Fprintf(c.out, "relays (%d):\n", len(relays))
	for _, id := range sortedIDs(relays) {
		rc := relays[id]
		fmt.Fprintf(c.out, "  %-24s %-32s via %s\n", id, rc.URI, strings.Join(rc.Route, ","))
	}
	infoColor.Fprintf(c.out, "clients (%d):\n", len(clients))
	for _, id := range sortedIDs(clients) {
		fmt.Fprintf(c.out, "  %-24s via %s\n", id, strings.Join(clients[id].Route, ","))
	}
}

// printDelivery writes one delivered envelope as a console line.
func printDelivery(w io.Writer, env *protocol.Envelope) {
	from, ok := env.InitialSource()
	if !ok {
		from = "?"
	}
	msgs := env.Messages()
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m)
	}
	fmt.Fprintf(w, "\n%s %s %s\n", infoColor.Sprintf("[%s]", env.Type()), faintColor.Sprintf("from %s:", from), strings.Join(parts, " "))
}

func printHandshake(w io.Writer, a node.Announcement) {
	kind := "client"
	if a.IsRelay {
		kind = "relay"
	}
	faintColor.Fprintf(w, "\nhandshake from %s %s (cluster %s, %s pid %d)\n", kind, a.Identity, a.ClusterID, a.Hostname, a.PID)
}

func splitRoute(s string) []string {
	var route []string
	for _, hop := range strings.Split(s, ",") {
		if hop = strings.TrimSpace(hop); hop != "" {
			route = append(route, hop)
		}
	}
	return route
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
