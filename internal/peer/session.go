package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/protocol"
)

// Session owns the single connection to one remote peer. It performs no
// protocol decisions itself: inbound frames are handed to the controller
// via OnMessage, and the controller pushes outbound frames through the
// Send* methods. Egress is serialized by the outbox channel and a single
// write loop, so concurrent controller code paths never interleave frames.
type Session struct {
	log       *slog.Logger
	conn      net.Conn
	remoteID  int32
	inbound   bool
	outbox    chan *protocol.Message
	stopped   atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	stats     SessionStats
	onMessage func(remoteID int32, m *protocol.Message) error
	onClose   func(remoteID int32)
}

// SessionStats holds per-connection counters. All counters are atomic and
// monotonically increasing for the lifetime of a session.
type SessionStats struct {
	// Downloaded is the total number of piece-payload bytes received.
	Downloaded atomic.Uint64

	// Uploaded is the total number of piece-payload bytes sent.
	Uploaded atomic.Uint64

	// MessagesReceived counts frames successfully read from the socket.
	MessagesReceived atomic.Uint64

	// MessagesSent counts frames successfully written to the socket.
	MessagesSent atomic.Uint64

	// ConnectedAt is the wall-clock time when the handshake succeeded.
	ConnectedAt time.Time
}

type Opts struct {
	Log           *slog.Logger
	OutboxBacklog int

	// OnMessage dispatches one inbound frame. A returned error ends the
	// session.
	OnMessage func(remoteID int32, m *protocol.Message) error

	// OnClose fires exactly once when the session shuts down.
	OnClose func(remoteID int32)
}

const defaultOutboxBacklog = 64

// Dial opens the initiator side of a session: connect, send our handshake,
// and require the remote to identify as the dialed peer.
func Dial(ctx context.Context, localID int32, remote config.PeerInfo, opts *Opts) (*Session, error) {
	var dialer net.Dialer

	addr := fmt.Sprintf("%s:%d", remote.Host, remote.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	handshake := protocol.NewHandshake(localID)
	if _, err := handshake.Exchange(conn, remote.ID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with peer %d: %w", remote.ID, err)
	}

	return newSession(conn, remote.ID, false, opts), nil
}

// Accept runs the acceptor side of a session on an inbound connection:
// read the remote handshake, verify the id against the cohort, and reply
// with ours. The caller decides cohort membership through known.
func Accept(conn net.Conn, localID int32, known func(int32) bool, opts *Opts) (*Session, error) {
	remote, err := protocol.ReadHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("inbound handshake: %w", err)
	}
	if remote.PeerID == localID || !known(remote.PeerID) {
		_ = conn.Close()
		return nil, fmt.Errorf("inbound handshake: %w: %d", protocol.ErrPeerIDMismatch, remote.PeerID)
	}

	if err := protocol.WriteHandshake(conn, *protocol.NewHandshake(localID)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reply handshake to peer %d: %w", remote.PeerID, err)
	}

	return newSession(conn, remote.PeerID, true, opts), nil
}

func newSession(conn net.Conn, remoteID int32, inbound bool, opts *Opts) *Session {
	backlog := opts.OutboxBacklog
	if backlog <= 0 {
		backlog = defaultOutboxBacklog
	}

	s := &Session{
		log:       opts.Log.With("src", "session", "remote", remoteID),
		conn:      conn,
		remoteID:  remoteID,
		inbound:   inbound,
		outbox:    make(chan *protocol.Message, backlog),
		onMessage: opts.OnMessage,
		onClose:   opts.OnClose,
	}
	s.stats.ConnectedAt = time.Now()

	return s
}

// RemoteID returns the id the remote peer identified itself with.
func (s *Session) RemoteID() int32 { return s.remoteID }

// Inbound reports whether this session was accepted rather than dialed.
func (s *Session) Inbound() bool { return s.inbound }

// Stats exposes the session's transfer counters.
func (s *Session) Stats() *SessionStats { return &s.stats }

// Run drives the read and write loops until either fails or ctx is done.
// It always closes the session and fires OnClose before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	return g.Wait()
}

// Close shuts the session down. Safe to call from any goroutine, any
// number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)

		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()

		if s.onClose != nil {
			s.onClose(s.remoteID)
		}

		s.log.Debug("session stopped")
	})
}

func (s *Session) SendChoke()         { s.enqueue(protocol.MessageChoke()) }
func (s *Session) SendUnchoke()       { s.enqueue(protocol.MessageUnchoke()) }
func (s *Session) SendInterested()    { s.enqueue(protocol.MessageInterested()) }
func (s *Session) SendNotInterested() { s.enqueue(protocol.MessageNotInterested()) }

func (s *Session) SendHave(index uint32) {
	s.enqueue(protocol.MessageHave(index))
}

func (s *Session) SendBitfield(bits []byte) {
	s.enqueue(protocol.MessageBitfield(bits))
}

func (s *Session) SendRequest(index uint32) {
	s.enqueue(protocol.MessageRequest(index))
}

func (s *Session) SendPiece(index uint32, data []byte) {
	s.enqueue(protocol.MessagePiece(index, data))
}

func (s *Session) enqueue(m *protocol.Message) bool {
	if s.stopped.Load() {
		return false
	}

	select {
	case s.outbox <- m:
		return true
	default:
		s.log.Warn("outbox full, dropping frame", "message", m.ID.String())
		return false
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	l := s.log.With("component", "read loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if ctx.Err() != nil || s.stopped.Load() {
				return nil
			}

			l.Warn("failed to read message, exiting", "error", err.Error())
			return err
		}
		if err := message.ValidatePayloadSize(); err != nil {
			l.Warn("malformed frame, exiting", "message", message.ID.String(), "error", err.Error())
			return err
		}

		s.stats.MessagesReceived.Add(1)
		if message.ID == protocol.Piece {
			s.stats.Downloaded.Add(uint64(len(message.Payload) - 4))
		}

		if err := s.onMessage(s.remoteID, message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	l := s.log.With("component", "write loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case message := <-s.outbox:
			if err := protocol.WriteMessage(s.conn, message); err != nil {
				if ctx.Err() != nil || s.stopped.Load() {
					return nil
				}

				l.Warn("failed to write message, exiting", "error", err.Error())
				return err
			}

			s.stats.MessagesSent.Add(1)
			if message.ID == protocol.Piece {
				s.stats.Uploaded.Add(uint64(len(message.Payload) - 4))
			}
		}
	}
}
