// Package protocol defines the MMRP envelope and its wire format.
//
// An envelope travels as one multi-frame message:
//
//	[route..., EMPTY, messages..., EMPTY, returnRoute..., meta]
//
// The route lists the hops still to traverse (next hop first). The return
// route lists the hops already traversed (most recent first), so it can be
// used as-is to route a reply. The meta frame is one flag byte followed by
// the UTF-8 message type.
package protocol

import (
	"encoding"
	"errors"
	"fmt"
	"sort"
)

// Flag is a bit in the envelope meta byte.
type Flag byte

const (
	FlagNone Flag = 0
	// FlagTrackRoute asks every hop to record itself in the return route.
	FlagTrackRoute Flag = 1 << 0
)

var flagNames = map[Flag]string{
	FlagTrackRoute: "TRACK_ROUTE",
}

var (
	ErrMissingType     = errors.New("protocol: envelope type is required")
	ErrInvalidMessage  = errors.New("protocol: message must be a string, []byte or byte-convertible value")
	ErrInvalidRoute    = errors.New("protocol: route must be a string or []string")
	ErrMalformedFrames = errors.New("protocol: malformed envelope frames")
	ErrCorruptMeta     = errors.New("protocol: corrupt meta frame")
	ErrUnknownFlag     = errors.New("protocol: unknown flag")
)

// Envelope is an addressed, multi-frame message routed through the mesh.
type Envelope struct {
	typ         string
	flags       Flag
	messages    [][]byte
	route       []string
	returnRoute []string
}

// NewEnvelope builds an envelope. messages may be nil, a string, []byte, a
// value with a Bytes() []byte method or a BinaryMarshaler, or a slice of any
// of those; empty entries are dropped. route and returnRoute may be nil, a
// string or a []string, which is copied.
func NewEnvelope(typ string, messages any, route, returnRoute any, flags Flag) (*Envelope, error) {
	if typ == "" {
		return nil, ErrMissingType
	}
	msgs, err := normalizeMessages(messages)
	if err != nil {
		return nil, err
	}
	r, err := normalizeRoute(route)
	if err != nil {
		return nil, err
	}
	rr, err := normalizeRoute(returnRoute)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		typ:         typ,
		flags:       flags,
		messages:    msgs,
		route:       r,
		returnRoute: rr,
	}, nil
}

// FromFrames parses wire frames into an envelope. sender is the identity of
// the peer the frames came from, when the socket knows it; it is recorded as
// the most recent return hop if the envelope tracks its route.
func FromFrames(frames [][]byte, sender string) (*Envelope, error) {
	if len(frames) < 3 {
		return nil, fmt.Errorf("%w: %d frames", ErrMalformedFrames, len(frames))
	}
	flags, typ, err := decodeMeta(frames[len(frames)-1])
	if err != nil {
		return nil, err
	}

	const (
		inRoute = iota
		inMessages
		inReturnRoute
	)
	e := &Envelope{typ: typ, flags: flags}
	mode := inRoute
	for _, f := range frames[:len(frames)-1] {
		switch mode {
		case inRoute:
			if len(f) == 0 {
				mode = inMessages
				continue
			}
			e.route = append(e.route, string(f))
		case inMessages:
			if len(f) == 0 {
				mode = inReturnRoute
				continue
			}
			e.messages = append(e.messages, append([]byte(nil), f...))
		case inReturnRoute:
			if len(f) == 0 {
				return nil, fmt.Errorf("%w: empty return hop", ErrMalformedFrames)
			}
			e.returnRoute = append(e.returnRoute, string(f))
		}
	}
	if mode != inReturnRoute {
		return nil, fmt.Errorf("%w: missing section separator", ErrMalformedFrames)
	}

	if sender != "" && e.IsFlagged(FlagTrackRoute) {
		e.InjectSender(sender)
	}
	return e, nil
}

// Frames serialises the envelope into wire frames.
func (e *Envelope) Frames() [][]byte {
	out := make([][]byte, 0, len(e.route)+len(e.messages)+len(e.returnRoute)+3)
	for _, id := range e.route {
		out = append(out, []byte(id))
	}
	out = append(out, []byte{})
	out = append(out, e.messages...)
	out = append(out, []byte{})
	for _, id := range e.returnRoute {
		out = append(out, []byte(id))
	}
	return append(out, e.meta())
}

func (e *Envelope) Type() string { return e.typ }

// Messages returns the payload frames.
func (e *Envelope) Messages() [][]byte {
	return append([][]byte(nil), e.messages...)
}

func (e *Envelope) Route() []string { return append([]string(nil), e.route...) }

func (e *Envelope) ReturnRoute() []string { return append([]string(nil), e.returnRoute...) }

// ConsumeRoute strips every leading occurrence of id from the route and
// reports whether anything was removed.
func (e *Envelope) ConsumeRoute(id string) bool {
	n := 0
	for n < len(e.route) && e.route[n] == id {
		n++
	}
	if n == 0 {
		return false
	}
	e.route = e.route[n:]
	return true
}

func (e *Envelope) RouteRemains() bool { return len(e.route) > 0 }

// NextHop returns the first identity of the route.
func (e *Envelope) NextHop() (string, bool) {
	if len(e.route) == 0 {
		return "", false
	}
	return e.route[0], true
}

// FinalDestination returns the last identity of the route.
func (e *Envelope) FinalDestination() (string, bool) {
	if len(e.route) == 0 {
		return "", false
	}
	return e.route[len(e.route)-1], true
}

// InitialSource returns the identity that originated the envelope, which is
// the oldest entry of the return route.
func (e *Envelope) InitialSource() (string, bool) {
	if len(e.returnRoute) == 0 {
		return "", false
	}
	return e.returnRoute[len(e.returnRoute)-1], true
}

// InjectSender records id as the most recent return hop.
func (e *Envelope) InjectSender(id string) {
	if id == "" {
		return
	}
	e.returnRoute = append([]string{id}, e.returnRoute...)
}

func (e *Envelope) IsFlagged(f Flag) bool { return f != FlagNone && e.flags&f == f }

func (e *Envelope) SetFlag(f Flag) { e.flags |= f }

func (e *Envelope) Flags() Flag { return e.flags }

// FlagNames returns the names of all set flags, sorted.
func (e *Envelope) FlagNames() []string {
	var names []string
	for f, name := range flagNames {
		if e.flags&f != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ParseFlag resolves a flag by name ("NONE", "TRACK_ROUTE").
func ParseFlag(name string) (Flag, error) {
	if name == "NONE" {
		return FlagNone, nil
	}
	for f, n := range flagNames {
		if n == name {
			return f, nil
		}
	}
	return FlagNone, fmt.Errorf("%w: %q", ErrUnknownFlag, name)
}

// WithRoute returns a new envelope sharing type, payload, return route and
// flags with e, addressed along route.
func (e *Envelope) WithRoute(route []string) *Envelope {
	return &Envelope{
		typ:         e.typ,
		flags:       e.flags,
		messages:    e.messages,
		route:       append([]string(nil), route...),
		returnRoute: append([]string(nil), e.returnRoute...),
	}
}

// Clone returns a copy whose routes can be mutated independently.
func (e *Envelope) Clone() *Envelope {
	return e.WithRoute(e.route)
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s route=%v return=%v frames=%d", e.typ, e.route, e.returnRoute, len(e.messages))
}

func (e *Envelope) meta() []byte {
	b := make([]byte, 0, 1+len(e.typ))
	b = append(b, byte(e.flags))
	return append(b, e.typ...)
}

func decodeMeta(b []byte) (Flag, string, error) {
	if len(b) < 2 {
		return FlagNone, "", fmt.Errorf("%w: %d bytes", ErrCorruptMeta, len(b))
	}
	flags := Flag(b[0])
	var known Flag
	for f := range flagNames {
		known |= f
	}
	if flags&^known != 0 {
		return FlagNone, "", fmt.Errorf("%w: unknown flag bits %#x", ErrCorruptMeta, byte(flags&^known))
	}
	return flags, string(b[1:]), nil
}

type byteser interface {
	Bytes() []byte
}

func normalizeMessages(v any) ([][]byte, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case [][]byte:
		out := make([][]byte, 0, len(m))
		for _, b := range m {
			if len(b) > 0 {
				out = append(out, b)
			}
		}
		return out, nil
	case []string:
		out := make([][]byte, 0, len(m))
		for _, s := range m {
			if s != "" {
				out = append(out, []byte(s))
			}
		}
		return out, nil
	case []any:
		out := make([][]byte, 0, len(m))
		for _, item := range m {
			b, err := messageBytes(item)
			if err != nil {
				return nil, err
			}
			if len(b) > 0 {
				out = append(out, b)
			}
		}
		return out, nil
	}
	b, err := messageBytes(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return [][]byte{b}, nil
}

func messageBytes(v any) ([]byte, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return m, nil
	case string:
		return []byte(m), nil
	case byteser:
		return m.Bytes(), nil
	case encoding.BinaryMarshaler:
		b, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: got %T", ErrInvalidMessage, v)
}

func normalizeRoute(v any) ([]string, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case string:
		if r == "" {
			return nil, nil
		}
		return []string{r}, nil
	case []string:
		for _, id := range r {
			if id == "" {
				return nil, fmt.Errorf("%w: empty hop", ErrInvalidRoute)
			}
		}
		return append([]string(nil), r...), nil
	}
	return nil, fmt.Errorf("%w: got %T", ErrInvalidRoute, v)
}
