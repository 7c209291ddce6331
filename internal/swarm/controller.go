package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/eventlog"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/storage"
)

// Sender is the egress surface a neighbor session exposes to the
// controller. *peer.Session satisfies it; tests substitute a recorder.
type Sender interface {
	RemoteID() int32
	SendChoke()
	SendUnchoke()
	SendInterested()
	SendNotInterested()
	SendHave(index uint32)
	SendBitfield(bits []byte)
	SendRequest(index uint32)
	SendPiece(index uint32, data []byte)
	Close()
}

// neighbor is the controller's view of one remote peer. All fields are
// guarded by Controller.nbMu; the struct outlives its session so that
// observed bitfield evidence survives a disconnect.
type neighbor struct {
	id             int32
	peerChoking    bool // remote's last choke/unchoke toward us
	peerInterested bool // remote's last interest signal toward us
	amChoking      bool // our egress choke policy toward the remote
	amInterested   bool // our last interest signal toward the remote
	bitfield       *bitfield.Bitfield
	windowBytes    int64 // piece bytes received this unchoke window
	rate           float64
}

// Controller holds the swarm's shared mutable state and implements the
// reaction to every inbound message plus the outbound request policy.
//
// Lock ordering: bfMu before nbMu before sessMu before reqMu. Frames are
// never written while a state lock is held; session handles are copied out
// first and the send happens after unlock (the session's outbox serializes
// the actual socket write).
type Controller struct {
	log    *slog.Logger
	events *eventlog.Log
	cfg    *config.Common
	selfID int32
	cohort []config.PeerInfo
	store  *storage.Store

	bfMu sync.RWMutex
	bf   *bitfield.Bitfield

	nbMu          sync.Mutex
	neighbors     map[int32]*neighbor
	preferred     map[int32]struct{}
	optimistic    int32
	hasOptimistic bool

	sessMu   sync.RWMutex
	sessions map[int32]Sender

	reqMu     sync.Mutex
	requested map[int]int32 // piece index -> neighbor it was asked from

	rngMu sync.Mutex
	rng   *rand.Rand

	doneOnce sync.Once
	done     chan struct{}
}

var errDuplicateSession = errors.New("swarm: duplicate session for neighbor")

type ControllerOpts struct {
	Log    *slog.Logger
	Events *eventlog.Log
	Config *config.Common
	SelfID int32
	Cohort []config.PeerInfo
	Store  *storage.Store
	RNG    *rand.Rand
}

func NewController(opts *ControllerOpts) *Controller {
	numPieces := opts.Config.NumPieces()

	self, _ := config.FindPeer(opts.Cohort, opts.SelfID)
	bf := bitfield.New(numPieces)
	if self.HasFile {
		bf = bitfield.Full(numPieces)
	}

	return &Controller{
		log:       opts.Log.With("src", "controller"),
		events:    opts.Events,
		cfg:       opts.Config,
		selfID:    opts.SelfID,
		cohort:    opts.Cohort,
		store:     opts.Store,
		bf:        bf,
		neighbors: make(map[int32]*neighbor),
		preferred: make(map[int32]struct{}),
		sessions:  make(map[int32]Sender),
		requested: make(map[int]int32),
		rng:       opts.RNG,
		done:      make(chan struct{}),
	}
}

// Done is closed once every cohort member, ourselves included, holds the
// complete file.
func (c *Controller) Done() <-chan struct{} { return c.done }

// LocalBitfieldBytes returns the packed local bitfield for the initial
// exchange.
func (c *Controller) LocalBitfieldBytes() []byte {
	c.bfMu.RLock()
	defer c.bfMu.RUnlock()

	return c.bf.Bytes()
}

func (c *Controller) localBitfield() *bitfield.Bitfield {
	c.bfMu.RLock()
	defer c.bfMu.RUnlock()

	return c.bf.Clone()
}

// AddSession registers a session and creates the neighbor state on first
// contact. The remote starts choked in both directions and uninterested.
func (c *Controller) AddSession(s Sender) error {
	id := s.RemoteID()

	c.sessMu.Lock()
	if _, dup := c.sessions[id]; dup {
		c.sessMu.Unlock()
		return fmt.Errorf("%w: %d", errDuplicateSession, id)
	}
	c.sessions[id] = s
	c.sessMu.Unlock()

	c.nbMu.Lock()
	if _, exists := c.neighbors[id]; !exists {
		c.neighbors[id] = &neighbor{
			id:          id,
			peerChoking: true,
			amChoking:   true,
			bitfield:    bitfield.New(c.cfg.NumPieces()),
		}
	}
	c.nbMu.Unlock()

	return nil
}

// RemoveSession drops a session and releases its in-flight requests. The
// neighbor's observed bitfield is kept: it remains evidence for
// termination.
func (c *Controller) RemoveSession(id int32) {
	c.sessMu.Lock()
	delete(c.sessions, id)
	c.sessMu.Unlock()

	c.dropRequestsFor(id)
	c.refreshInterest()
}

func (c *Controller) session(id int32) (Sender, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()

	s, ok := c.sessions[id]
	return s, ok
}

// CloseAllSessions shuts every active session down.
func (c *Controller) CloseAllSessions() {
	c.sessMu.RLock()
	sessions := make([]Sender, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessMu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

// HandleMessage reacts to one inbound frame from neighbor r. It is called
// from r's read goroutine, so per-neighbor dispatch is totally ordered.
func (c *Controller) HandleMessage(r int32, m *protocol.Message) error {
	switch m.ID {
	case protocol.Choke:
		c.onChoke(r)
	case protocol.Unchoke:
		c.onUnchoke(r)
	case protocol.Interested:
		c.onInterested(r)
	case protocol.NotInterested:
		c.onNotInterested(r)
	case protocol.Have:
		index, ok := m.ParseHave()
		if !ok {
			return protocol.ErrBadPayloadSize
		}
		c.onHave(r, int(index))
	case protocol.Bitfield:
		c.onBitfield(r, m.Payload)
	case protocol.Request:
		index, ok := m.ParseRequest()
		if !ok {
			return protocol.ErrBadPayloadSize
		}
		c.onRequest(r, int(index))
	case protocol.Piece:
		index, data, ok := m.ParsePiece()
		if !ok {
			return protocol.ErrBadPayloadSize
		}
		c.onPiece(r, int(index), data)
	default:
		return protocol.ErrUnknownMessage
	}

	return nil
}

func (c *Controller) onBitfield(r int32, packed []byte) {
	local := c.localBitfield()
	remote := bitfield.FromBytes(packed, c.cfg.NumPieces())

	c.nbMu.Lock()
	nb, ok := c.neighbors[r]
	if !ok {
		c.nbMu.Unlock()
		return
	}
	nb.bitfield = remote
	interested := local.Missing(remote)
	nb.amInterested = interested
	peerChoking := nb.peerChoking
	remoteComplete := remote.Complete()
	c.nbMu.Unlock()

	if s, ok := c.session(r); ok {
		if interested {
			s.SendInterested()
		} else {
			s.SendNotInterested()
		}
	}

	if interested && !peerChoking {
		c.requestNextPiece(r)
	}
	if remoteComplete {
		c.maybeFinish()
	}
}

func (c *Controller) onHave(r int32, index int) {
	local := c.localBitfield()

	c.nbMu.Lock()
	nb, ok := c.neighbors[r]
	if !ok {
		c.nbMu.Unlock()
		return
	}
	nb.bitfield.Set(index)
	wasInterested := nb.amInterested
	nowInterested := local.Missing(nb.bitfield)
	nb.amInterested = nowInterested
	remoteComplete := nb.bitfield.Complete()
	c.nbMu.Unlock()

	c.events.ReceivedHave(r, index)

	if s, ok := c.session(r); ok && wasInterested != nowInterested {
		if nowInterested {
			s.SendInterested()
		} else {
			s.SendNotInterested()
		}
	}

	if remoteComplete {
		c.maybeFinish()
	}
}

func (c *Controller) onInterested(r int32) {
	c.nbMu.Lock()
	if nb, ok := c.neighbors[r]; ok {
		nb.peerInterested = true
	}
	c.nbMu.Unlock()

	c.events.ReceivedInterested(r)
}

func (c *Controller) onNotInterested(r int32) {
	c.nbMu.Lock()
	if nb, ok := c.neighbors[r]; ok {
		nb.peerInterested = false
	}
	c.nbMu.Unlock()

	c.events.ReceivedNotInterested(r)
}

func (c *Controller) onChoke(r int32) {
	c.nbMu.Lock()
	if nb, ok := c.neighbors[r]; ok {
		nb.peerChoking = true
	}
	c.nbMu.Unlock()

	c.dropRequestsFor(r)
	c.events.ChokedBy(r)

	// Pieces released above may only be held by neighbors we previously
	// told "not interested"; refresh so they can unchoke us again.
	c.refreshInterest()
}

func (c *Controller) onUnchoke(r int32) {
	c.nbMu.Lock()
	if nb, ok := c.neighbors[r]; ok {
		nb.peerChoking = false
	}
	c.nbMu.Unlock()

	c.events.UnchokedBy(r)
	c.requestNextPiece(r)
}

// onRequest serves a piece if the requester is unchoked; requests from
// choked neighbors are ignored.
func (c *Controller) onRequest(r int32, index int) {
	c.nbMu.Lock()
	nb, ok := c.neighbors[r]
	choking := !ok || nb.amChoking
	c.nbMu.Unlock()

	if choking {
		return
	}

	data, err := c.store.ReadPiece(index)
	if err != nil {
		c.log.Warn("dropping request, piece read failed",
			"remote", r, "piece", index, "error", err.Error())
		return
	}

	if s, ok := c.session(r); ok {
		s.SendPiece(uint32(index), data)
	}
}

// onPiece persists a received piece, publishes HAVE to the cohort, and
// keeps the request pipeline to r full.
func (c *Controller) onPiece(r int32, index int, data []byte) {
	if err := c.store.WritePiece(index, data); err != nil {
		// Drop the piece; it stays re-requestable.
		c.log.Warn("piece write failed, dropping",
			"remote", r, "piece", index, "error", err.Error())
		c.releaseRequest(index)
		return
	}

	c.bfMu.Lock()
	changed := c.bf.Set(index)
	count := c.bf.Count()
	complete := c.bf.Complete()
	c.bfMu.Unlock()

	c.nbMu.Lock()
	if nb, ok := c.neighbors[r]; ok {
		nb.windowBytes += int64(len(data))
	}
	c.nbMu.Unlock()

	c.releaseRequest(index)

	if changed {
		c.broadcastHave(index)
	}
	c.events.DownloadedPiece(r, index, count)

	if changed && complete {
		c.events.DownloadComplete()
		c.log.Info("download complete", "pieces", count)
		c.maybeFinish()
	}

	c.requestNextPiece(r)
}

// requestNextPiece asks r for one piece chosen uniformly at random from
// the pieces r has, we lack, and nobody has been asked for yet. When no
// such piece exists we tell r we are no longer interested.
func (c *Controller) requestNextPiece(r int32) {
	local := c.localBitfield()

	c.nbMu.Lock()
	nb, ok := c.neighbors[r]
	if !ok || nb.peerChoking {
		c.nbMu.Unlock()
		return
	}

	c.reqMu.Lock()
	var candidates []int
	for i := 0; i < c.cfg.NumPieces(); i++ {
		if _, asked := c.requested[i]; asked {
			continue
		}
		if nb.bitfield.Has(i) && !local.Has(i) {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) == 0 {
		c.reqMu.Unlock()
		nb.amInterested = false
		c.nbMu.Unlock()

		if s, ok := c.session(r); ok {
			s.SendNotInterested()
		}
		return
	}

	pick := candidates[c.randIntn(len(candidates))]
	c.requested[pick] = r
	c.reqMu.Unlock()
	c.nbMu.Unlock()

	if s, ok := c.session(r); ok {
		s.SendRequest(uint32(pick))
	}
}

// refreshInterest re-derives the interest flag toward every neighbor and
// signals the ones whose flag flipped.
func (c *Controller) refreshInterest() {
	local := c.localBitfield()

	type signal struct {
		id         int32
		interested bool
	}
	var signals []signal

	c.nbMu.Lock()
	for _, nb := range c.neighbors {
		now := local.Missing(nb.bitfield)
		if now != nb.amInterested {
			nb.amInterested = now
			signals = append(signals, signal{id: nb.id, interested: now})
		}
	}
	c.nbMu.Unlock()

	for _, sig := range signals {
		s, ok := c.session(sig.id)
		if !ok {
			continue
		}
		if sig.interested {
			s.SendInterested()
		} else {
			s.SendNotInterested()
		}
	}
}

// releaseRequest removes the outstanding entry for a piece index.
func (c *Controller) releaseRequest(index int) {
	c.reqMu.Lock()
	delete(c.requested, index)
	c.reqMu.Unlock()
}

// dropRequestsFor releases every outstanding request targeted at r, making
// those pieces eligible for re-selection.
func (c *Controller) dropRequestsFor(r int32) {
	c.reqMu.Lock()
	for index, target := range c.requested {
		if target == r {
			delete(c.requested, index)
		}
	}
	c.reqMu.Unlock()
}

// broadcastHave announces a freshly persisted piece to every active
// session.
func (c *Controller) broadcastHave(index int) {
	c.sessMu.RLock()
	sessions := make([]Sender, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessMu.RUnlock()

	for _, s := range sessions {
		s.SendHave(uint32(index))
	}
}

// maybeFinish closes the done channel once the local file is complete and
// every cohort member's observed bitfield is fully true. Observed
// bitfields are authoritative: the initial bitfield plus HAVE messages are
// trusted as evidence of remote completion.
func (c *Controller) maybeFinish() {
	c.bfMu.RLock()
	localComplete := c.bf.Complete()
	c.bfMu.RUnlock()

	if !localComplete {
		return
	}

	c.nbMu.Lock()
	allComplete := true
	for _, info := range c.cohort {
		if info.ID == c.selfID {
			continue
		}
		nb, ok := c.neighbors[info.ID]
		if !ok || !nb.bitfield.Complete() {
			allComplete = false
			break
		}
	}
	c.nbMu.Unlock()

	if !allComplete {
		return
	}

	c.doneOnce.Do(func() {
		c.log.Info("every peer holds the complete file, shutting down")
		close(c.done)
	})
}

func (c *Controller) randIntn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return c.rng.Intn(n)
}

func (c *Controller) shuffle(n int, swap func(i, j int)) {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	c.rng.Shuffle(n, swap)
}
