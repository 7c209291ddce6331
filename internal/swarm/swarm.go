package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/eventlog"
	"github.com/prxssh/warren/internal/peer"
	"github.com/prxssh/warren/internal/retry"
	"github.com/prxssh/warren/internal/storage"
)

const (
	sessionOutboxBacklog = 64
	dialMaxAttempts      = 30
	dialInitialDelay     = 250 * time.Millisecond
	dialMaxDelay         = 5 * time.Second
)

// Swarm bootstraps and supervises one peer's protocol engine: the accept
// loop for higher-id peers, outbound dials to lower-id peers, the choke
// scheduler, and orderly shutdown once the whole cohort is complete.
type Swarm struct {
	log    *slog.Logger
	events *eventlog.Log
	cfg    *config.Common
	self   config.PeerInfo
	cohort []config.PeerInfo
	ctrl   *Controller
	choker *Choker

	sessionWG sync.WaitGroup
}

type Opts struct {
	Log    *slog.Logger
	Events *eventlog.Log
	Config *config.Common
	SelfID int32
	Cohort []config.PeerInfo
	Store  *storage.Store
	Clock  clock.Clock
}

// New wires the controller and choker for the local peer. The RNG is
// seeded from the current time plus the peer id so co-hosted peers
// diverge.
func New(opts *Opts) (*Swarm, error) {
	self, err := config.FindPeer(opts.Cohort, opts.SelfID)
	if err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(opts.SelfID)))

	ctrl := NewController(&ControllerOpts{
		Log:    opts.Log,
		Events: opts.Events,
		Config: opts.Config,
		SelfID: opts.SelfID,
		Cohort: opts.Cohort,
		Store:  opts.Store,
		RNG:    rng,
	})

	return &Swarm{
		log:    opts.Log.With("src", "swarm", "self", opts.SelfID),
		events: opts.Events,
		cfg:    opts.Config,
		self:   self,
		cohort: opts.Cohort,
		ctrl:   ctrl,
		choker: NewChoker(ctrl, clk, opts.Log),
	}, nil
}

// Controller exposes the shared state engine, mainly for tests.
func (sw *Swarm) Controller() *Controller { return sw.ctrl }

// Run executes the peer until the whole cohort holds the complete file or
// ctx is canceled. A clean cohort-complete shutdown returns nil.
func (sw *Swarm) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", sw.self.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", sw.self.Port, err)
	}

	sw.log.Info("peer started",
		"port", sw.self.Port,
		"seed", sw.self.HasFile,
		"pieces", sw.cfg.NumPieces())

	g, gctx := errgroup.WithContext(ctx)

	// Completion watcher: flips the run flag for every loop below.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-sw.ctrl.Done():
		}

		cancel()
		_ = listener.Close()
		sw.ctrl.CloseAllSessions()
		return nil
	})

	g.Go(func() error { return sw.acceptLoop(gctx, listener) })
	g.Go(func() error { return sw.choker.Run(gctx) })

	// The higher id of every pair initiates; dial everyone below us.
	for _, remote := range sw.cohort {
		if remote.ID >= sw.self.ID {
			continue
		}
		g.Go(func() error { return sw.connect(gctx, remote) })
	}

	err = g.Wait()
	sw.sessionWG.Wait()

	select {
	case <-sw.ctrl.Done():
		sw.log.Info("peer shut down cleanly")
		return nil
	default:
		return err
	}
}

// acceptLoop admits inbound connections from higher-id peers. A single bad
// connection never takes the loop down.
func (sw *Swarm) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		session, err := peer.Accept(conn, sw.self.ID, sw.knownPeer, sw.sessionOpts())
		if err != nil {
			sw.log.Warn("rejected inbound connection",
				"from", conn.RemoteAddr().String(), "error", err.Error())
			continue
		}

		sw.events.ConnectionReceived(session.RemoteID())
		sw.startSession(ctx, session)
	}
}

// connect dials one lower-id peer, retrying with backoff until its
// listener is up.
func (sw *Swarm) connect(ctx context.Context, remote config.PeerInfo) error {
	var session *peer.Session

	opts := append(
		retry.WithExponentialBackoff(dialMaxAttempts, dialInitialDelay, dialMaxDelay),
		retry.WithOnRetry(func(attempt int, err error, nextDelay time.Duration) {
			sw.log.Debug("dial failed, retrying",
				"remote", remote.ID, "attempt", attempt, "nextDelay", nextDelay)
		}),
	)

	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		session, err = peer.Dial(ctx, sw.self.ID, remote, sw.sessionOpts())
		return err
	}, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to peer %d: %w", remote.ID, err)
	}

	sw.events.ConnectionMade(remote.ID)
	sw.startSession(ctx, session)
	return nil
}

// startSession registers the session, pushes the initial bitfield, and
// hands the connection its own goroutine.
func (sw *Swarm) startSession(ctx context.Context, session *peer.Session) {
	if err := sw.ctrl.AddSession(session); err != nil {
		sw.log.Warn("dropping session", "remote", session.RemoteID(), "error", err.Error())
		session.Close()
		return
	}

	session.SendBitfield(sw.ctrl.LocalBitfieldBytes())

	sw.sessionWG.Add(1)
	go func() {
		defer sw.sessionWG.Done()

		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				session.Close()
			case <-watchDone:
			}
		}()

		if err := session.Run(ctx); err != nil {
			sw.log.Warn("session ended", "remote", session.RemoteID(), "error", err.Error())
		}
	}()
}

func (sw *Swarm) sessionOpts() *peer.Opts {
	return &peer.Opts{
		Log:           sw.log,
		OutboxBacklog: sessionOutboxBacklog,
		OnMessage:     sw.ctrl.HandleMessage,
		OnClose:       sw.ctrl.RemoveSession,
	}
}

func (sw *Swarm) knownPeer(id int32) bool {
	_, err := config.FindPeer(sw.cohort, id)
	return err == nil
}
