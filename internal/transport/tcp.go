package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const defaultDialTimeout = 5 * time.Second

// TCPProvider creates sockets over TCP ("tcp://host:port") or unix domain
// sockets ("ipc:///path"). A dealer greets every router it connects to with a
// single-frame message carrying its identity; the router keys the connection
// by that identity.
type TCPProvider struct {
	Logger      *zap.Logger
	DialTimeout time.Duration
}

// NewTCP returns a TCPProvider logging to logger (nil for no logging).
func NewTCP(logger *zap.Logger) *TCPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPProvider{Logger: logger, DialTimeout: defaultDialTimeout}
}

func (p *TCPProvider) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *TCPProvider) NewDealer(identity string) (Dealer, error) {
	if identity == "" {
		return nil, errors.New("transport: dealer identity is required")
	}
	timeout := p.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	return &tcpDealer{
		identity: identity,
		timeout:  timeout,
		log:      p.logger().With(zap.String("dealer", identity)),
		incoming: make(chan Message, incomingDepth),
		done:     make(chan struct{}),
		conns:    make(map[string]*tcpConn),
	}, nil
}

func (p *TCPProvider) NewRouter(cfg BindConfig) (Router, error) {
	network, addr, err := bindAddress(cfg)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, bindError(network, addr, cfg, err)
	}
	uri := fmt.Sprintf("%s://%s", schemeTCP, ln.Addr().String())
	if network == "unix" {
		uri = fmt.Sprintf("%s://%s", schemeIPC, addr)
	}
	r := &tcpRouter{
		uri:      uri,
		listener: ln,
		log:      p.logger().With(zap.String("router", uri)),
		incoming: make(chan Message, incomingDepth),
		done:     make(chan struct{}),
		peers:    make(map[string]*tcpConn),
	}
	go r.acceptLoop()
	return r, nil
}

func bindAddress(cfg BindConfig) (network, addr string, err error) {
	if path, ok := strings.CutPrefix(cfg.Host, schemeIPC+"://"); ok {
		if cfg.Port == "*" {
			return "", "", fmt.Errorf("%w: ipc endpoint %s has no port", ErrWildcardUnsupported, path)
		}
		return "unix", path, nil
	}
	host := cfg.Host
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if cfg.Wildcard() {
		port = "0"
	}
	return "tcp", net.JoinHostPort(host, port), nil
}

func bindError(network, addr string, cfg BindConfig, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		hint := fmt.Sprintf("lsof -nP -iTCP:%s -sTCP:LISTEN", cfg.Port)
		if network == "unix" {
			hint = "lsof " + addr
		}
		return fmt.Errorf("%w: %s (find the process holding it with `%s`)", ErrAddressInUse, addr, hint)
	}
	return fmt.Errorf("transport: bind %s %s: %w", network, addr, err)
}

func dialAddress(uri string) (network, addr string, err error) {
	scheme, addr, err := splitURI(uri)
	if err != nil {
		return "", "", err
	}
	switch scheme {
	case schemeTCP:
		return "tcp", addr, nil
	case schemeIPC:
		return "unix", addr, nil
	}
	return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, scheme)
}

// tcpConn serialises writes on one connection.
type tcpConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (c *tcpConn) write(frames [][]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return writeMessage(c.conn, frames)
}

type tcpRouter struct {
	uri      string
	listener net.Listener
	log      *zap.Logger
	incoming chan Message
	done     chan struct{}
	once     sync.Once

	mu    sync.RWMutex
	peers map[string]*tcpConn // identity → conn
}

func (r *tcpRouter) URI() string { return r.uri }

func (r *tcpRouter) Incoming() <-chan Message { return r.incoming }

func (r *tcpRouter) Send(frames [][]byte) error {
	if len(frames) < 2 {
		return ErrEmptyMessage
	}
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	id := string(frames[0])
	r.mu.RLock()
	c, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoRoute, id)
	}
	if err := c.write(frames[1:]); err != nil {
		r.drop(id, c)
		return fmt.Errorf("%w: %q: %v", ErrNoRoute, id, err)
	}
	return nil
}

func (r *tcpRouter) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.listener.Close()
		r.mu.Lock()
		for _, c := range r.peers {
			c.conn.Close()
		}
		r.peers = make(map[string]*tcpConn)
		r.mu.Unlock()
	})
	return err
}

func (r *tcpRouter) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		go r.serve(conn)
	}
}

func (r *tcpRouter) serve(conn net.Conn) {
	greeting, err := readMessage(conn)
	if err != nil || len(greeting) != 1 || len(greeting[0]) == 0 {
		r.log.Debug("rejecting connection without identity greeting",
			zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}
	id := string(greeting[0])
	c := &tcpConn{conn: conn}

	r.mu.Lock()
	if old, ok := r.peers[id]; ok {
		old.conn.Close()
	}
	r.peers[id] = c
	r.mu.Unlock()
	r.log.Debug("peer connected", zap.String("identity", id))

	defer r.drop(id, c)
	for {
		frames, err := readMessage(conn)
		if err != nil {
			return
		}
		select {
		case <-r.done:
			return
		case r.incoming <- Message{Sender: id, Frames: frames}:
		default:
			r.log.Warn("incoming queue full; dropping message", zap.String("identity", id))
		}
	}
}

func (r *tcpRouter) drop(id string, c *tcpConn) {
	r.mu.Lock()
	if r.peers[id] == c {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	c.conn.Close()
}

type tcpDealer struct {
	identity string
	timeout  time.Duration
	log      *zap.Logger
	incoming chan Message
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	conns map[string]*tcpConn // uri → conn
	order []string
	next  int
}

func (d *tcpDealer) Identity() string { return d.identity }

func (d *tcpDealer) Incoming() <-chan Message { return d.incoming }

func (d *tcpDealer) Connect(uri string) error {
	network, addr, err := dialAddress(uri)
	if err != nil {
		return err
	}
	d.mu.Lock()
	_, already := d.conns[uri]
	d.mu.Unlock()
	if already {
		return nil
	}

	conn, err := net.DialTimeout(network, addr, d.timeout)
	if err != nil {
		return fmt.Errorf("transport: connect %s: %w", uri, err)
	}
	c := &tcpConn{conn: conn}
	if err := c.write([][]byte{[]byte(d.identity)}); err != nil {
		conn.Close()
		return fmt.Errorf("transport: greet %s: %w", uri, err)
	}

	d.mu.Lock()
	select {
	case <-d.done:
		d.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	if _, raced := d.conns[uri]; raced {
		d.mu.Unlock()
		conn.Close()
		return nil
	}
	d.conns[uri] = c
	d.order = append(d.order, uri)
	d.mu.Unlock()

	d.log.Debug("connected", zap.String("uri", uri))
	go d.readLoop(uri, c)
	return nil
}

func (d *tcpDealer) Disconnect(uri string) error {
	d.mu.Lock()
	c, ok := d.conns[uri]
	if ok {
		delete(d.conns, uri)
		d.order = removeString(d.order, uri)
	}
	d.mu.Unlock()
	if ok {
		return c.conn.Close()
	}
	return nil
}

func (d *tcpDealer) Send(frames [][]byte) error {
	if len(frames) == 0 {
		return ErrEmptyMessage
	}
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	d.mu.Lock()
	if len(d.order) == 0 {
		d.mu.Unlock()
		return ErrNotConnected
	}
	uri := d.order[d.next%len(d.order)]
	d.next++
	c := d.conns[uri]
	d.mu.Unlock()

	if err := c.write(frames); err != nil {
		d.forget(uri, c)
		return fmt.Errorf("transport: send via %s: %w", uri, err)
	}
	return nil
}

func (d *tcpDealer) Close() error {
	d.once.Do(func() {
		close(d.done)
		d.mu.Lock()
		for _, c := range d.conns {
			c.conn.Close()
		}
		d.conns = make(map[string]*tcpConn)
		d.order = nil
		d.mu.Unlock()
	})
	return nil
}

func (d *tcpDealer) readLoop(uri string, c *tcpConn) {
	defer d.forget(uri, c)
	for {
		frames, err := readMessage(c.conn)
		if err != nil {
			return
		}
		select {
		case <-d.done:
			return
		case d.incoming <- Message{Frames: frames}:
		default:
			d.log.Warn("incoming queue full; dropping message", zap.String("uri", uri))
		}
	}
}

func (d *tcpDealer) forget(uri string, c *tcpConn) {
	d.mu.Lock()
	if d.conns[uri] == c {
		delete(d.conns, uri)
		d.order = removeString(d.order, uri)
	}
	d.mu.Unlock()
	c.conn.Close()
}
