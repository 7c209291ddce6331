package swarm

import (
	"bytes"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/eventlog"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/storage"
)

// fakeSender records every frame the controller pushes toward one
// neighbor.
type fakeSender struct {
	id     int32
	mu     sync.Mutex
	frames []*protocol.Message
	closed bool
}

func (f *fakeSender) record(m *protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, m)
}

func (f *fakeSender) RemoteID() int32            { return f.id }
func (f *fakeSender) SendChoke()                 { f.record(protocol.MessageChoke()) }
func (f *fakeSender) SendUnchoke()               { f.record(protocol.MessageUnchoke()) }
func (f *fakeSender) SendInterested()            { f.record(protocol.MessageInterested()) }
func (f *fakeSender) SendNotInterested()         { f.record(protocol.MessageNotInterested()) }
func (f *fakeSender) SendHave(index uint32)      { f.record(protocol.MessageHave(index)) }
func (f *fakeSender) SendBitfield(bits []byte)   { f.record(protocol.MessageBitfield(bits)) }
func (f *fakeSender) SendRequest(index uint32)   { f.record(protocol.MessageRequest(index)) }
func (f *fakeSender) SendPiece(i uint32, d []byte) {
	f.record(protocol.MessagePiece(i, d))
}
func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) sent() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.frames...)
}

func (f *fakeSender) sentIDs() []protocol.MessageID {
	var ids []protocol.MessageID
	for _, m := range f.sent() {
		ids = append(ids, m.ID)
	}
	return ids
}

func (f *fakeSender) countOf(id protocol.MessageID) int {
	n := 0
	for _, m := range f.sent() {
		if m.ID == id {
			n++
		}
	}
	return n
}

var testCohort = []config.PeerInfo{
	{ID: 1001, Host: "localhost", Port: 7001, HasFile: true},
	{ID: 1002, Host: "localhost", Port: 7002, HasFile: false},
	{ID: 1003, Host: "localhost", Port: 7003, HasFile: false},
}

// newTestController builds a controller for selfID over a 3-piece file
// (100+100+50 bytes). Seeds get their backing file pre-written.
func newTestController(t *testing.T, selfID int32) (*Controller, *config.Common) {
	t.Helper()

	cfg := &config.Common{
		NumPreferredNeighbors:       1,
		UnchokingInterval:           1e9, // 1s
		OptimisticUnchokingInterval: 1e9,
		FileName:                    "data.bin",
		FileSize:                    250,
		PieceSize:                   100,
	}

	dir := t.TempDir()
	self, err := config.FindPeer(testCohort, selfID)
	require.NoError(t, err)

	if self.HasFile {
		payload := seedPayload()
		require.NoError(t, writeSeedFile(dir, cfg.FileName, payload))
	}

	store, err := storage.NewStore(dir, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	events, err := eventlog.Open(t.TempDir(), selfID)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	ctrl := NewController(&ControllerOpts{
		Log:    slog.New(slog.DiscardHandler),
		Events: events,
		Config: cfg,
		SelfID: selfID,
		Cohort: testCohort,
		Store:  store,
		RNG:    rand.New(rand.NewSource(1)),
	})

	return ctrl, cfg
}

func addFake(t *testing.T, ctrl *Controller, id int32) *fakeSender {
	t.Helper()

	f := &fakeSender{id: id}
	require.NoError(t, ctrl.AddSession(f))
	return f
}

func fullBitfieldMsg(cfg *config.Common) *protocol.Message {
	bits := make([]byte, (cfg.NumPieces()+7)/8)
	for i := range bits {
		bits[i] = 0xFF
	}
	return protocol.MessageBitfield(bits)
}

func pieceData(index int) []byte {
	length := 100
	if index == 2 {
		length = 50
	}
	return bytes.Repeat([]byte{byte(0x10 + index)}, length)
}

func seedPayload() []byte {
	var payload []byte
	for i := 0; i < 3; i++ {
		payload = append(payload, pieceData(i)...)
	}
	return payload
}

func TestBitfieldFromSeedTriggersInterested(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	seed := addFake(t, ctrl, 1001)

	require.NoError(t, ctrl.HandleMessage(1001, fullBitfieldMsg(cfg)))

	assert.Equal(t, []protocol.MessageID{protocol.Interested}, seed.sentIDs())
}

func TestEmptyBitfieldTriggersNotInterested(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	other := addFake(t, ctrl, 1003)

	empty := protocol.MessageBitfield(make([]byte, (cfg.NumPieces()+7)/8))
	require.NoError(t, ctrl.HandleMessage(1003, empty))

	assert.Equal(t, []protocol.MessageID{protocol.NotInterested}, other.sentIDs())
}

func TestHaveFlipsInterestOnce(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	other := addFake(t, ctrl, 1003)

	empty := protocol.MessageBitfield(make([]byte, (cfg.NumPieces()+7)/8))
	require.NoError(t, ctrl.HandleMessage(1003, empty))
	require.NoError(t, ctrl.HandleMessage(1003, protocol.MessageHave(1)))
	require.NoError(t, ctrl.HandleMessage(1003, protocol.MessageHave(2)))

	// One not-interested for the empty bitfield, then exactly one
	// interested on the first piece gained; the second have changes
	// nothing.
	assert.Equal(t, []protocol.MessageID{
		protocol.NotInterested,
		protocol.Interested,
	}, other.sentIDs())
}

func TestUnchokeIssuesSingleRequest(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	seed := addFake(t, ctrl, 1001)

	require.NoError(t, ctrl.HandleMessage(1001, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageUnchoke()))

	require.Equal(t, 1, seed.countOf(protocol.Request))

	ctrl.reqMu.Lock()
	assert.Len(t, ctrl.requested, 1)
	for _, target := range ctrl.requested {
		assert.Equal(t, int32(1001), target)
	}
	ctrl.reqMu.Unlock()
}

func TestRequestUniquenessAcrossNeighbors(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	a := addFake(t, ctrl, 1001)
	b := addFake(t, ctrl, 1003)

	require.NoError(t, ctrl.HandleMessage(1001, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1003, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageUnchoke()))
	require.NoError(t, ctrl.HandleMessage(1003, protocol.MessageUnchoke()))

	var asked []uint32
	for _, f := range []*fakeSender{a, b} {
		for _, m := range f.sent() {
			if index, ok := m.ParseRequest(); ok {
				asked = append(asked, index)
			}
		}
	}

	require.Len(t, asked, 2)
	assert.NotEqual(t, asked[0], asked[1], "the same piece was requested twice")
}

func TestChokeDropsRequestThenUnchokeReissues(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	seed := addFake(t, ctrl, 1001)

	require.NoError(t, ctrl.HandleMessage(1001, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageUnchoke()))
	require.Equal(t, 1, seed.countOf(protocol.Request))

	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageChoke()))

	ctrl.reqMu.Lock()
	assert.Empty(t, ctrl.requested, "choke must release in-flight requests")
	ctrl.reqMu.Unlock()

	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageUnchoke()))
	assert.Equal(t, 2, seed.countOf(protocol.Request))
}

func TestPieceReceiptUpdatesStateAndBroadcastsHave(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	seed := addFake(t, ctrl, 1001)
	observer := addFake(t, ctrl, 1003)

	require.NoError(t, ctrl.HandleMessage(1001, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageUnchoke()))

	var asked uint32
	for _, m := range seed.sent() {
		if index, ok := m.ParseRequest(); ok {
			asked = index
		}
	}

	require.NoError(t, ctrl.HandleMessage(
		1001, protocol.MessagePiece(asked, pieceData(int(asked))),
	))

	// Local bitfield owns the piece and the request entry is gone.
	local := ctrl.localBitfield()
	assert.True(t, local.Has(int(asked)))
	ctrl.reqMu.Lock()
	_, stillAsked := ctrl.requested[int(asked)]
	ctrl.reqMu.Unlock()
	assert.False(t, stillAsked)

	// HAVE went to every active session, and the pipeline moved on to the
	// next request.
	assert.Equal(t, 1, seed.countOf(protocol.Have))
	assert.Equal(t, 1, observer.countOf(protocol.Have))
	assert.Equal(t, 2, seed.countOf(protocol.Request))
}

func TestRequestFromChokedNeighborIsIgnored(t *testing.T) {
	ctrl, _ := newTestController(t, 1001) // seed
	leecher := addFake(t, ctrl, 1002)

	require.NoError(t, ctrl.HandleMessage(1002, protocol.MessageRequest(0)))

	assert.Empty(t, leecher.sent(), "choked requests must be silently dropped")
}

func TestRequestServedWhenUnchoked(t *testing.T) {
	ctrl, _ := newTestController(t, 1001) // seed
	leecher := addFake(t, ctrl, 1002)

	ctrl.nbMu.Lock()
	ctrl.neighbors[1002].amChoking = false
	ctrl.nbMu.Unlock()

	require.NoError(t, ctrl.HandleMessage(1002, protocol.MessageRequest(2)))

	frames := leecher.sent()
	require.Len(t, frames, 1)
	index, data, ok := frames[0].ParsePiece()
	require.True(t, ok)
	assert.Equal(t, uint32(2), index)
	assert.Equal(t, pieceData(2), data)
}

func TestInterestFlagsTrackRemoteSignals(t *testing.T) {
	ctrl, _ := newTestController(t, 1001)
	addFake(t, ctrl, 1002)

	require.NoError(t, ctrl.HandleMessage(1002, protocol.MessageInterested()))
	ctrl.nbMu.Lock()
	assert.True(t, ctrl.neighbors[1002].peerInterested)
	ctrl.nbMu.Unlock()

	require.NoError(t, ctrl.HandleMessage(1002, protocol.MessageNotInterested()))
	ctrl.nbMu.Lock()
	assert.False(t, ctrl.neighbors[1002].peerInterested)
	ctrl.nbMu.Unlock()
}

func TestDoneClosesOnceCohortComplete(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	seed := addFake(t, ctrl, 1001)
	other := addFake(t, ctrl, 1003)
	_ = other

	require.NoError(t, ctrl.HandleMessage(1001, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1003, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageUnchoke()))

	for i := 0; i < 3; i++ {
		select {
		case <-ctrl.Done():
			t.Fatalf("done closed before the local download finished")
		default:
		}

		var asked uint32
		found := false
		for _, m := range seed.sent() {
			if index, ok := m.ParseRequest(); ok {
				asked = index
				found = true
			}
		}
		require.True(t, found, "expected an outstanding request")

		require.NoError(t, ctrl.HandleMessage(
			1001, protocol.MessagePiece(asked, pieceData(int(asked))),
		))
	}

	select {
	case <-ctrl.Done():
	default:
		t.Fatalf("done should close: local complete and all remotes complete")
	}
}

func TestSessionRemovalReleasesItsRequests(t *testing.T) {
	ctrl, cfg := newTestController(t, 1002)
	addFake(t, ctrl, 1001)

	require.NoError(t, ctrl.HandleMessage(1001, fullBitfieldMsg(cfg)))
	require.NoError(t, ctrl.HandleMessage(1001, protocol.MessageUnchoke()))

	ctrl.RemoveSession(1001)

	ctrl.reqMu.Lock()
	assert.Empty(t, ctrl.requested)
	ctrl.reqMu.Unlock()

	// The neighbor's bitfield evidence survives for termination checks.
	ctrl.nbMu.Lock()
	assert.Contains(t, ctrl.neighbors, int32(1001))
	ctrl.nbMu.Unlock()
}

func TestDuplicateSessionRejected(t *testing.T) {
	ctrl, _ := newTestController(t, 1002)
	addFake(t, ctrl, 1001)

	err := ctrl.AddSession(&fakeSender{id: 1001})
	assert.ErrorIs(t, err, errDuplicateSession)
}

func writeSeedFile(dir, name string, payload []byte) error {
	return os.WriteFile(filepath.Join(dir, name), payload, 0o644)
}
