package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryNetwork is an in-process Provider for tests. Routers bound on a
// network are reachable by dealers of the same network only, so several
// independent meshes can live in one test binary.
type MemoryNetwork struct {
	mu      sync.Mutex
	routers map[string]*memoryRouter
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{routers: make(map[string]*memoryRouter)}
}

func (n *MemoryNetwork) NewDealer(identity string) (Dealer, error) {
	return &memoryDealer{
		net:      n,
		identity: identity,
		incoming: make(chan Message, incomingDepth),
		conns:    make(map[string]*memoryRouter),
	}, nil
}

func (n *MemoryNetwork) NewRouter(cfg BindConfig) (Router, error) {
	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if cfg.Wildcard() {
		port = uuid.NewString()
	}
	uri := fmt.Sprintf("%s://%s:%s", schemeMemory, host, port)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.routers[uri]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, uri)
	}
	r := &memoryRouter{
		net:      n,
		uri:      uri,
		incoming: make(chan Message, incomingDepth),
		peers:    make(map[string]*memoryDealer),
	}
	n.routers[uri] = r
	return r, nil
}

func (n *MemoryNetwork) lookup(uri string) (*memoryRouter, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.routers[uri]
	return r, ok
}

func (n *MemoryNetwork) unbind(uri string) {
	n.mu.Lock()
	delete(n.routers, uri)
	n.mu.Unlock()
}

type memoryRouter struct {
	net      *MemoryNetwork
	uri      string
	incoming chan Message

	mu     sync.RWMutex
	peers  map[string]*memoryDealer
	closed bool
}

func (r *memoryRouter) URI() string { return r.uri }

func (r *memoryRouter) Incoming() <-chan Message { return r.incoming }

func (r *memoryRouter) Send(frames [][]byte) error {
	if len(frames) < 2 {
		return ErrEmptyMessage
	}
	id := string(frames[0])
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	d, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoRoute, id)
	}
	return d.deliver(Message{Frames: copyFrames(frames[1:])})
}

func (r *memoryRouter) attach(d *memoryDealer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.peers[d.identity] = d
	return nil
}

func (r *memoryRouter) detach(d *memoryDealer) {
	r.mu.Lock()
	if r.peers[d.identity] == d {
		delete(r.peers, d.identity)
	}
	r.mu.Unlock()
}

func (r *memoryRouter) deliver(msg Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.incoming <- msg:
	default:
		// Drop if the receiver is not keeping up, like the TCP transport.
	}
	return nil
}

func (r *memoryRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.peers = make(map[string]*memoryDealer)
	close(r.incoming)
	r.mu.Unlock()
	r.net.unbind(r.uri)
	return nil
}

type memoryDealer struct {
	net      *MemoryNetwork
	identity string
	incoming chan Message

	mu     sync.RWMutex
	conns  map[string]*memoryRouter
	order  []string
	next   int
	closed bool
}

func (d *memoryDealer) Identity() string { return d.identity }

func (d *memoryDealer) Incoming() <-chan Message { return d.incoming }

func (d *memoryDealer) Connect(uri string) error {
	r, ok := d.net.lookup(uri)
	if !ok {
		return fmt.Errorf("memory transport: no router bound at %s: %w", uri, ErrNotConnected)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, already := d.conns[uri]; already {
		return nil
	}
	if err := r.attach(d); err != nil {
		return err
	}
	d.conns[uri] = r
	d.order = append(d.order, uri)
	return nil
}

func (d *memoryDealer) Disconnect(uri string) error {
	d.mu.Lock()
	r, ok := d.conns[uri]
	if ok {
		delete(d.conns, uri)
		d.order = removeString(d.order, uri)
	}
	d.mu.Unlock()
	if ok {
		r.detach(d)
	}
	return nil
}

func (d *memoryDealer) Send(frames [][]byte) error {
	if len(frames) == 0 {
		return ErrEmptyMessage
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if len(d.order) == 0 {
		d.mu.Unlock()
		return ErrNotConnected
	}
	uri := d.order[d.next%len(d.order)]
	d.next++
	r := d.conns[uri]
	d.mu.Unlock()
	return r.deliver(Message{Sender: d.identity, Frames: copyFrames(frames)})
}

func (d *memoryDealer) deliver(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.incoming <- msg:
	default:
	}
	return nil
}

func (d *memoryDealer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := d.conns
	d.conns = make(map[string]*memoryRouter)
	d.order = nil
	close(d.incoming)
	d.mu.Unlock()
	for _, r := range conns {
		r.detach(d)
	}
	return nil
}

func copyFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte{}, f...)
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
