package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/mmrp/internal/node"
	"github.com/Operative-001/mmrp/internal/peerbook"
	"github.com/Operative-001/mmrp/internal/protocol"
)

type sent struct {
	env      *protocol.Envelope
	attempts int
	style    node.RoutingStyle
}

type fakeNode struct {
	sends      []sent
	broadcasts []sent
	downs      []string
	err        error
}

func (f *fakeNode) Send(env *protocol.Envelope, attempts int) error {
	f.sends = append(f.sends, sent{env: env, attempts: attempts})
	return f.err
}

func (f *fakeNode) Broadcast(env *protocol.Envelope, style node.RoutingStyle) error {
	f.broadcasts = append(f.broadcasts, sent{env: env, style: style})
	return f.err
}

func (f *fakeNode) Relays() map[string]node.RelayConnection {
	return map[string]node.RelayConnection{
		"us": {URI: "tcp://10.0.0.2:7000", Route: []string{"us"}, Identity: "us"},
		"ap": {URI: "tcp://10.0.0.3:7000", Route: []string{"ap"}, Identity: "ap"},
	}
}

func (f *fakeNode) Clients() map[string]node.ClientConnection {
	return map[string]node.ClientConnection{"eu:9:1": {Route: []string{"eu:9:1"}, Identity: "eu:9:1"}}
}

func (f *fakeNode) RelayDown(uri string) error {
	f.downs = append(f.downs, uri)
	return nil
}

func newConsole(f *fakeNode) (*console, *bytes.Buffer) {
	color.NoColor = true
	var out bytes.Buffer
	return &console{n: f, out: &out}, &out
}

func TestConsoleSend(t *testing.T) {
	f := &fakeNode{}
	c, out := newConsole(f)

	assert.False(t, c.dispatch("send us,us:1:1 chat.text hello there"))
	require.Len(t, f.sends, 1)
	env := f.sends[0].env
	assert.Equal(t, "chat.text", env.Type())
	assert.True(t, env.IsFlagged(protocol.FlagTrackRoute))
	assert.Equal(t, 1, f.sends[0].attempts)
	assert.Equal(t, []string{"us", "us:1:1"}, env.Route())
	assert.Equal(t, [][]byte{[]byte("hello there")}, f.sends[0].env.Messages())
	assert.Contains(t, out.String(), "✓ sent to us,us:1:1")

	out.Reset()
	c.dispatch("send us")
	assert.Contains(t, out.String(), "usage: send")
}

func TestConsoleBroadcastStyles(t *testing.T) {
	f := &fakeNode{}
	c, _ := newConsole(f)

	c.dispatch("broadcast news extra extra")
	c.dispatch("broadcast:r news relays")
	c.dispatch("broadcast:c news clients")
	require.Len(t, f.broadcasts, 3)
	assert.Equal(t, node.StyleAll, f.broadcasts[0].style)
	assert.Equal(t, node.StyleRelays, f.broadcasts[1].style)
	assert.Equal(t, node.StyleClients, f.broadcasts[2].style)
	assert.Equal(t, [][]byte{[]byte("extra extra")}, f.broadcasts[0].env.Messages())
}

func TestConsoleReportsErrors(t *testing.T) {
	f := &fakeNode{err: errors.New("no relay")}
	c, out := newConsole(f)
	c.dispatch("broadcast news x")
	assert.Contains(t, out.String(), "error: no relay")

	out.Reset()
	c.dispatch("bogus")
	assert.Contains(t, out.String(), "unknown command: bogus")
}

func TestConsolePeersAndDown(t *testing.T) {
	f := &fakeNode{}
	c, out := newConsole(f)

	c.dispatch("peers")
	s := out.String()
	assert.Contains(t, s, "relays (2):")
	assert.Contains(t, s, "clients (1):")
	assert.Less(t, strings.Index(s, "ap"), strings.Index(s, "us "), "relays are listed in order")

	c.dispatch("down tcp://10.0.0.2:7000")
	assert.Equal(t, []string{"tcp://10.0.0.2:7000"}, f.downs)
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	f := &fakeNode{}
	c, _ := newConsole(f)
	c.run(strings.NewReader("help\nbroadcast a b\nquit\nbroadcast a c\n"))
	assert.Len(t, f.broadcasts, 1)
}

func TestPrintDelivery(t *testing.T) {
	color.NoColor = true
	env, err := protocol.NewEnvelope("chat", []string{"hi", "there"}, nil, []string{"eu", "us:1:1"}, protocol.FlagTrackRoute)
	require.NoError(t, err)
	var out bytes.Buffer
	printDelivery(&out, env)
	assert.Equal(t, "\n[chat] from us:1:1: hi there\n", out.String())
}

func TestParsePeer(t *testing.T) {
	p, err := parsePeer("us@tcp://10.0.0.2:7000")
	require.NoError(t, err)
	assert.Equal(t, "us", p.Identity)
	assert.Equal(t, "tcp://10.0.0.2:7000", p.URI)

	for _, bad := range []string{"tcp://x:1", "@tcp://x:1", "us@"} {
		_, err := parsePeer(bad)
		assert.Error(t, err, bad)
	}
}

func newRunFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	addRunFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmrp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: relay\ncluster: eu\nlisten:\n  port: \"7000\"\n"), 0600))

	cfg, err := loadConfig(newRunFlags(t,
		"--config", path,
		"--role", "both",
		"--port", "7001",
		"--peer", "us@tcp://10.0.0.2:7000",
		"--log-level", "warning",
	))
	require.NoError(t, err)
	assert.Equal(t, "both", cfg.Role)
	assert.Equal(t, "eu", cfg.Cluster)
	assert.Equal(t, "7001", cfg.Listen.Port)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "us", cfg.Peers[0].Identity)
	assert.Equal(t, "warning", cfg.Log.Level)
}

func TestLoadConfigClientNeedsRelay(t *testing.T) {
	_, err := loadConfig(newRunFlags(t, "--role", "client"))
	assert.Error(t, err)

	cfg, err := loadConfig(newRunFlags(t, "--role", "client", "--relay", "tcp://127.0.0.1:7000", "--cluster", "eu"))
	require.NoError(t, err)
	assert.Equal(t, "eu", cfg.RelayIdentity())
}

func TestPeersAndForgetCommands(t *testing.T) {
	dir := t.TempDir()
	book, err := peerbook.Open(dir)
	require.NoError(t, err)
	_, err = book.Put(peerbook.Entry{Identity: "us", ClusterID: "us", URI: "tcp://10.0.0.2:7000", UpdatedAt: time.Unix(0, 0)})
	require.NoError(t, err)
	require.NoError(t, book.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"peers", "--data", dir})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Peer book: 1 entries")
	assert.Contains(t, out.String(), "tcp://10.0.0.2:7000")

	out.Reset()
	rootCmd.SetArgs([]string{"forget", "us", "--data", dir})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Forgot 'us'")

	rootCmd.SetArgs([]string{"forget", "us", "--data", dir})
	assert.ErrorIs(t, rootCmd.Execute(), peerbook.ErrNotFound)
}
