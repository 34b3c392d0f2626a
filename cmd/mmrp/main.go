package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Operative-001/mmrp/internal/config"
	"github.com/Operative-001/mmrp/internal/identity"
	"github.com/Operative-001/mmrp/internal/logging"
	"github.com/Operative-001/mmrp/internal/node"
	"github.com/Operative-001/mmrp/internal/peerbook"
	"github.com/Operative-001/mmrp/internal/protocol"
	"github.com/Operative-001/mmrp/internal/seen"
)

var rootCmd = &cobra.Command{
	Use:   "mmrp",
	Short: "Multi-hop message routing mesh.",
	Long: `mmrp runs a node of a relay/client message mesh.

Relays bind a router socket and peer with every other relay. Clients attach
to the one relay of their cluster. Envelopes travel along explicit routes of
node identities, and broadcasts reach every relay and the origin relay's
clients.`,
	SilenceUsage: true,
}

// ─── run ─────────────────────────────────────────────────────────────────────

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node and its console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		book, err := peerbook.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open peer book: %w", err)
		}
		defer book.Close()

		nc, err := cfg.NodeConfig(logger, identity.NewBootstrap(nil))
		if err != nil {
			return err
		}
		n, err := node.New(nc)
		if err != nil {
			return err
		}
		defer n.Close()

		rec := peerbook.NewRecorder(book, logger, seen.DefaultExpiry)
		defer rec.Stop()
		rec.Attach(n)

		out := color.Output
		n.OnDelivery("", func(env *protocol.Envelope) {
			if env.Type() != node.HandshakeType {
				printDelivery(out, env)
			}
		})
		n.OnHandshake(func(a node.Announcement) { printHandshake(out, a) })

		announcePeers(n, cfg, book, logger)
		banner(out, n, cfg)

		quit := make(chan struct{})
		go func() {
			(&console{n: n, out: out}).run(os.Stdin)
			close(quit)
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
		case <-quit:
		}
		fmt.Fprintln(out, "\nShutting down.")
		return nil
	},
}

// announcePeers feeds the configured relay, the configured peers and the
// peers remembered in the book to the node.
func announcePeers(n *node.Node, cfg *config.Config, book *peerbook.Book, logger *zap.Logger) {
	if cfg.Relay != nil {
		id := cfg.RelayIdentity()
		if id == "" {
			id = n.ClusterID()
		}
		if err := n.RelayUp(cfg.Relay.URI, id); err != nil {
			logger.Warn("upstream relay unavailable", zap.String("uri", cfg.Relay.URI), zap.Error(err))
		}
	}
	if !n.IsRelay() {
		return
	}
	peers := append([]config.Peer(nil), cfg.Peers...)
	known, err := book.All()
	if err != nil {
		logger.Warn("peer book unreadable", zap.Error(err))
	}
	for _, e := range known {
		peers = append(peers, config.Peer{URI: e.URI, Identity: e.Identity})
	}
	for _, p := range peers {
		if err := n.RelayUp(p.URI, p.Identity); err != nil {
			logger.Warn("peer unavailable", zap.String("uri", p.URI), zap.String("identity", p.Identity), zap.Error(err))
		}
	}
}

func banner(w io.Writer, n *node.Node, cfg *config.Config) {
	role := "client"
	switch {
	case n.IsRelay() && n.IsClient():
		role = "relay + client"
	case n.IsRelay():
		role = "relay"
	}
	fmt.Fprintln(w)
	infoColor.Fprintln(w, "  mmrp node")
	fmt.Fprintf(w, "  Identity : %s\n", n.Identity())
	fmt.Fprintf(w, "  Cluster  : %s\n", n.ClusterID())
	fmt.Fprintf(w, "  Role     : %s\n", role)
	if uri := n.RouterURI(); uri != "" {
		fmt.Fprintf(w, "  Router   : %s\n", uri)
	}
	if cfg.Relay != nil {
		fmt.Fprintf(w, "  Upstream : %s\n", cfg.Relay.URI)
	}
	fmt.Fprintf(w, "  Data     : %s\n\n", cfg.DataDir)
	faintColor.Fprintln(w, consoleHelp)
	fmt.Fprintln(w)
}

// ─── peers ───────────────────────────────────────────────────────────────────

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the relays remembered in the peer book",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		book, err := peerbook.Open(dataDir)
		if err != nil {
			return err
		}
		defer book.Close()

		entries, err := book.All()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Peer book: %d entries\n", len(entries))
		for _, e := range entries {
			fmt.Fprintf(out, "  %-20s %-10s %-32s %s\n", e.Identity, e.ClusterID, e.URI, e.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// ─── forget ──────────────────────────────────────────────────────────────────

var forgetCmd = &cobra.Command{
	Use:   "forget <identity>",
	Short: "Remove a relay from the peer book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		book, err := peerbook.Open(dataDir)
		if err != nil {
			return err
		}
		defer book.Close()

		if err := book.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Forgot '%s'\n", args[0])
		return nil
	},
}

// loadConfig reads --config, if given, and applies the flags set on the
// command line over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if flags.Changed("role") {
		cfg.Role, _ = flags.GetString("role")
	}
	if flags.Changed("cluster") {
		cfg.Cluster, _ = flags.GetString("cluster")
	}
	if flags.Changed("host") {
		cfg.Listen.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Listen.Port, _ = flags.GetString("port")
	}
	if flags.Changed("relay") {
		uri, _ := flags.GetString("relay")
		cfg.Relay = &config.Peer{URI: uri}
	}
	if flags.Changed("peer") {
		specs, _ := flags.GetStringSlice("peer")
		for _, spec := range specs {
			p, err := parsePeer(spec)
			if err != nil {
				return nil, err
			}
			cfg.Peers = append(cfg.Peers, p)
		}
	}
	if flags.Changed("data") {
		cfg.DataDir, _ = flags.GetString("data")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-file") {
		cfg.Log.File, _ = flags.GetString("log-file")
	}
	return cfg, cfg.Validate()
}

// parsePeer parses "identity@uri".
func parsePeer(spec string) (config.Peer, error) {
	id, uri, ok := strings.Cut(spec, "@")
	if !ok || id == "" || uri == "" {
		return config.Peer{}, fmt.Errorf("peer %q: want identity@uri", spec)
	}
	return config.Peer{URI: uri, Identity: id}, nil
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "YAML config file")
	f.String("role", "relay", "Node role: relay, client or both")
	f.String("cluster", "", "Cluster id (defaults to the hostname)")
	f.String("host", "0.0.0.0", "Router bind host")
	f.String("port", "*", "Router bind port (* picks a free one)")
	f.String("relay", "", "Upstream relay URI for clients, e.g. tcp://10.0.0.1:7000")
	f.StringSlice("peer", nil, "Peer relays as identity@uri")
	f.String("log-level", "info", "Log level: verbose, debug, info, warning, error")
	f.String("log-file", "", "Rotate logs into this file instead of stderr")
}

func init() {
	dd := config.DefaultDataDir()
	for _, cmd := range []*cobra.Command{runCmd, peersCmd, forgetCmd} {
		cmd.Flags().String("data", dd, "Data directory (~/.mmrp)")
	}

	addRunFlags(runCmd)

	rootCmd.AddCommand(runCmd, peersCmd, forgetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
