package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type binaryPayload struct{ v string }

func (b binaryPayload) MarshalBinary() ([]byte, error) { return []byte(b.v), nil }

type failingPayload struct{}

func (failingPayload) MarshalBinary() ([]byte, error) { return nil, errors.New("boom") }

func TestNewEnvelopeRequiresType(t *testing.T) {
	_, err := NewEnvelope("", "hi", nil, nil, FlagNone)
	require.ErrorIs(t, err, ErrMissingType)
}

func TestNewEnvelopeNormalizesMessages(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want [][]byte
	}{
		{"nil", nil, nil},
		{"string", "world", [][]byte{[]byte("world")}},
		{"empty string", "", nil},
		{"bytes", []byte{1, 2}, [][]byte{{1, 2}}},
		{"buffer", bytes.NewBufferString("buf"), [][]byte{[]byte("buf")}},
		{"marshaler", binaryPayload{"bin"}, [][]byte{[]byte("bin")}},
		{"strings drop empty", []string{"a", "", "b"}, [][]byte{[]byte("a"), []byte("b")}},
		{"mixed", []any{"a", nil, []byte("b"), binaryPayload{"c"}}, [][]byte{[]byte("a"), []byte("b"), []byte("c")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := NewEnvelope("t", tc.in, nil, nil, FlagNone)
			require.NoError(t, err)
			if tc.want == nil {
				assert.Empty(t, e.Messages())
				return
			}
			assert.Equal(t, tc.want, e.Messages())
		})
	}
}

func TestNewEnvelopeRejectsBadMessages(t *testing.T) {
	for _, in := range []any{42, []any{"ok", 3.5}, failingPayload{}} {
		_, err := NewEnvelope("t", in, nil, nil, FlagNone)
		assert.ErrorIs(t, err, ErrInvalidMessage, "input %#v", in)
	}
}

func TestNewEnvelopeRejectsBadRoutes(t *testing.T) {
	_, err := NewEnvelope("t", nil, 7, nil, FlagNone)
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewEnvelope("t", nil, nil, map[string]int{}, FlagNone)
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewEnvelope("t", nil, []string{"a", ""}, nil, FlagNone)
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestRoutesAreCopied(t *testing.T) {
	route := []string{"a", "b"}
	ret := []string{"z"}
	e, err := NewEnvelope("t", nil, route, ret, FlagNone)
	require.NoError(t, err)

	route[0] = "mutated"
	ret[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, e.Route())
	assert.Equal(t, []string{"z"}, e.ReturnRoute())

	e.ConsumeRoute("a")
	assert.Equal(t, []string{"mutated", "b"}, route)
}

func TestStringRouteBecomesSingleHop(t *testing.T) {
	e, err := NewEnvelope("t", nil, "relay-a", "", FlagNone)
	require.NoError(t, err)
	assert.Equal(t, []string{"relay-a"}, e.Route())
	assert.Empty(t, e.ReturnRoute())
}

func TestFramesRoundTrip(t *testing.T) {
	e, err := NewEnvelope("foo.bar", []string{"one", "two"}, []string{"a", "b"}, []string{"y", "z"}, FlagNone)
	require.NoError(t, err)

	got, err := FromFrames(e.Frames(), "")
	require.NoError(t, err)
	assert.Equal(t, "foo.bar", got.Type())
	assert.Equal(t, e.Messages(), got.Messages())
	assert.Equal(t, []string{"a", "b"}, got.Route())
	assert.Equal(t, []string{"y", "z"}, got.ReturnRoute())
	assert.False(t, got.IsFlagged(FlagTrackRoute))
}

func TestFramesLayout(t *testing.T) {
	e, err := NewEnvelope("x", "p", "a", "z", FlagTrackRoute)
	require.NoError(t, err)
	want := [][]byte{
		[]byte("a"), {}, []byte("p"), {}, []byte("z"), append([]byte{byte(FlagTrackRoute)}, 'x'),
	}
	assert.Equal(t, want, e.Frames())
}

func TestFromFramesInjectsSenderWhenTracking(t *testing.T) {
	e, err := NewEnvelope("t", "p", "relay", []string{"older"}, FlagTrackRoute)
	require.NoError(t, err)

	got, err := FromFrames(e.Frames(), "sender")
	require.NoError(t, err)
	assert.Equal(t, []string{"sender", "older"}, got.ReturnRoute())

	src, ok := got.InitialSource()
	require.True(t, ok)
	assert.Equal(t, "older", src)
}

func TestFromFramesIgnoresSenderWithoutTracking(t *testing.T) {
	e, err := NewEnvelope("t", "p", "relay", nil, FlagNone)
	require.NoError(t, err)

	got, err := FromFrames(e.Frames(), "sender")
	require.NoError(t, err)
	assert.Empty(t, got.ReturnRoute())
}

func TestFromFramesMalformed(t *testing.T) {
	meta := []byte{0, 't'}
	tests := []struct {
		name   string
		frames [][]byte
		want   error
	}{
		{"too short", [][]byte{{}, meta}, ErrMalformedFrames},
		{"one separator", [][]byte{[]byte("a"), {}, []byte("p"), meta}, ErrMalformedFrames},
		{"no separators", [][]byte{[]byte("a"), []byte("b"), meta}, ErrMalformedFrames},
		{"empty return hop", [][]byte{{}, {}, []byte("z"), {}, meta}, ErrMalformedFrames},
		{"empty meta", [][]byte{{}, {}, {}}, ErrCorruptMeta},
		{"meta without type", [][]byte{{}, {}, {0}}, ErrCorruptMeta},
		{"unknown flag bits", [][]byte{{}, {}, {0x80, 't'}}, ErrCorruptMeta},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromFrames(tc.frames, "")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestConsumeRoute(t *testing.T) {
	e, err := NewEnvelope("t", nil, []string{"a", "a", "a", "b", "a"}, nil, FlagNone)
	require.NoError(t, err)

	assert.False(t, e.ConsumeRoute("b"), "identity not at the front")
	assert.Equal(t, []string{"a", "a", "a", "b", "a"}, e.Route())

	assert.True(t, e.ConsumeRoute("a"))
	assert.Equal(t, []string{"b", "a"}, e.Route())

	assert.True(t, e.ConsumeRoute("b"))
	assert.True(t, e.ConsumeRoute("a"))
	assert.False(t, e.RouteRemains())
	assert.False(t, e.ConsumeRoute("a"))
}

func TestRouteAccessors(t *testing.T) {
	e, err := NewEnvelope("t", nil, []string{"a", "b", "c"}, nil, FlagNone)
	require.NoError(t, err)

	next, ok := e.NextHop()
	require.True(t, ok)
	assert.Equal(t, "a", next)

	dst, ok := e.FinalDestination()
	require.True(t, ok)
	assert.Equal(t, "c", dst)

	_, ok = e.InitialSource()
	assert.False(t, ok)

	empty, err := NewEnvelope("t", nil, nil, nil, FlagNone)
	require.NoError(t, err)
	_, ok = empty.FinalDestination()
	assert.False(t, ok)
	assert.False(t, empty.RouteRemains())
}

func TestInjectSenderPrepends(t *testing.T) {
	e, err := NewEnvelope("t", nil, nil, []string{"origin"}, FlagNone)
	require.NoError(t, err)
	e.InjectSender("hop1")
	e.InjectSender("hop2")
	e.InjectSender("")
	assert.Equal(t, []string{"hop2", "hop1", "origin"}, e.ReturnRoute())

	src, _ := e.InitialSource()
	assert.Equal(t, "origin", src)
}

func TestFlags(t *testing.T) {
	e, err := NewEnvelope("t", nil, nil, nil, FlagNone)
	require.NoError(t, err)
	assert.False(t, e.IsFlagged(FlagTrackRoute))
	assert.False(t, e.IsFlagged(FlagNone))
	assert.Empty(t, e.FlagNames())

	f, err := ParseFlag("TRACK_ROUTE")
	require.NoError(t, err)
	e.SetFlag(f)
	assert.True(t, e.IsFlagged(FlagTrackRoute))
	assert.Equal(t, []string{"TRACK_ROUTE"}, e.FlagNames())

	none, err := ParseFlag("NONE")
	require.NoError(t, err)
	assert.Equal(t, FlagNone, none)

	_, err = ParseFlag("LOUD")
	assert.ErrorIs(t, err, ErrUnknownFlag)
}

func TestWithRouteSharesPayloadNotRoutes(t *testing.T) {
	e, err := NewEnvelope("t", "p", "a", "z", FlagTrackRoute)
	require.NoError(t, err)

	c := e.WithRoute([]string{"b", "c"})
	c.InjectSender("hop")

	assert.Equal(t, "t", c.Type())
	assert.Equal(t, e.Messages(), c.Messages())
	assert.True(t, c.IsFlagged(FlagTrackRoute))
	assert.Equal(t, []string{"b", "c"}, c.Route())
	assert.Equal(t, []string{"hop", "z"}, c.ReturnRoute())
	assert.Equal(t, []string{"z"}, e.ReturnRoute())
	assert.Equal(t, []string{"a"}, e.Route())
}
