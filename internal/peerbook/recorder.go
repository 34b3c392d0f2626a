package peerbook

import (
	"time"

	"go.uber.org/zap"

	"github.com/Operative-001/mmrp/internal/node"
	"github.com/Operative-001/mmrp/internal/seen"
)

// Recorder stores the relays announced in handshakes. Repeated
// announcements of the same relay at the same URI within the window are
// skipped.
type Recorder struct {
	book   *Book
	log    *zap.Logger
	recent *seen.Cache
	now    func() time.Time
}

// NewRecorder returns a Recorder writing to book. A zero window uses
// seen.DefaultExpiry.
func NewRecorder(book *Book, logger *zap.Logger, window time.Duration) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		book:   book,
		log:    logger,
		recent: seen.New(window),
		now:    time.Now,
	}
}

// Attach records every handshake n receives. The returned function stops
// recording.
func (r *Recorder) Attach(n *node.Node) func() {
	return n.OnHandshake(func(a node.Announcement) {
		// Prefer the URI the node reached the relay at over the announced
		// bind address, which may be a wildcard host.
		if rc, ok := n.Relay(a.Identity); ok && rc.URI != "" {
			a.RouterURI = rc.URI
		}
		if err := r.Record(a); err != nil {
			r.log.Warn("peer book write failed", zap.String("identity", a.Identity), zap.Error(err))
		}
	})
}

// Record stores a if it announces a relay with a router.
func (r *Recorder) Record(a node.Announcement) error {
	if !a.IsRelay || a.RouterURI == "" {
		return nil
	}
	key := a.Identity + "|" + a.RouterURI
	if !r.recent.Add(key) {
		return nil
	}
	changed, err := r.book.Put(Entry{
		Identity:  a.Identity,
		ClusterID: a.ClusterID,
		URI:       a.RouterURI,
		UpdatedAt: r.now(),
	})
	if err != nil {
		r.recent.Forget(key)
		return err
	}
	if changed {
		r.log.Debug("peer recorded", zap.String("identity", a.Identity), zap.String("uri", a.RouterURI))
	}
	return nil
}

// Stop releases the dedup cache.
func (r *Recorder) Stop() {
	r.recent.Stop()
}
