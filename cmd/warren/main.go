package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"

	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/eventlog"
	"github.com/prxssh/warren/internal/logging"
	"github.com/prxssh/warren/internal/storage"
	"github.com/prxssh/warren/internal/swarm"
)

var (
	peerID     = kingpin.Arg("peer-id", "Local peer id; must exist in the peer directory file.").Required().Int32()
	commonPath = kingpin.Flag("common", "Path to the common configuration file.").Default("Common.cfg").String()
	peersPath  = kingpin.Flag("peers", "Path to the peer directory file.").Default("PeerInfo.cfg").String()
	verbose    = kingpin.Flag("verbose", "Enable debug diagnostics on stderr.").Short('v').Bool()
)

func main() {
	kingpin.Parse()
	setupLogger(*verbose)

	if err := run(*peerID); err != nil {
		slog.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(selfID int32) error {
	cfg, err := config.LoadCommon(*commonPath, slog.Default())
	if err != nil {
		return err
	}
	cohort, err := config.LoadPeers(*peersPath)
	if err != nil {
		return err
	}
	if _, err := config.FindPeer(cohort, selfID); err != nil {
		return err
	}

	slog.Info("configuration loaded",
		"preferredNeighbors", cfg.NumPreferredNeighbors,
		"unchokingInterval", cfg.UnchokingInterval,
		"optimisticUnchokingInterval", cfg.OptimisticUnchokingInterval,
		"fileName", cfg.FileName,
		"fileSize", cfg.FileSize,
		"pieceSize", cfg.PieceSize,
		"numPieces", cfg.NumPieces())

	store, err := storage.NewStore(fmt.Sprintf("peer_%d", selfID), cfg, slog.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := eventlog.Open(".", selfID)
	if err != nil {
		return err
	}
	defer events.Close()

	sw, err := swarm.New(&swarm.Opts{
		Log:    slog.Default(),
		Events: events,
		Config: cfg,
		SelfID: selfID,
		Cohort: cohort,
		Store:  store,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sw.Run(ctx)
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.Level = slog.LevelDebug
	}

	h := logging.NewConsoleHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
