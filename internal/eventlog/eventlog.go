package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log is the per-peer activity log mandated by the protocol: one line per
// event in `log_peer_<id>.log`, each prefixed with a local timestamp and
// the owning peer's id. Writers from any goroutine are serialized and every
// line is flushed as it is written.
type Log struct {
	peerID int32
	mu     sync.Mutex
	f      *os.File
	now    func() time.Time
}

// Open creates (or appends to) `<dir>/log_peer_<id>.log`.
func Open(dir string, peerID int32) (*Log, error) {
	path := filepath.Join(dir, fmt.Sprintf("log_peer_%d.log", peerID))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &Log{peerID: peerID, f: f, now: time.Now}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.f.Close()
}

// write emits one prefixed line. Timestamp format: MM/DD/YYYY HH:MM:SS AM/PM.
func (l *Log) write(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().Format("01/02/2006 03:04:05 PM")
	fmt.Fprintf(l.f, "[%s]: Peer %d %s\n", ts, l.peerID, fmt.Sprintf(format, args...))
	_ = l.f.Sync()
}

// ConnectionMade records an outbound TCP connection to remoteID.
func (l *Log) ConnectionMade(remoteID int32) {
	l.write("makes a connection to Peer %d.", remoteID)
}

// ConnectionReceived records an accepted TCP connection from remoteID.
func (l *Log) ConnectionReceived(remoteID int32) {
	l.write("is connected from Peer %d.", remoteID)
}

// PreferredNeighbors records the new preferred-neighbor set.
func (l *Log) PreferredNeighbors(ids []int32) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}

	l.write("has the preferred neighbors %s.", strings.Join(parts, ","))
}

// OptimisticUnchoke records the new optimistically unchoked neighbor.
func (l *Log) OptimisticUnchoke(remoteID int32) {
	l.write("has the optimistically unchoked neighbor %d.", remoteID)
}

// UnchokedBy records that remoteID unchoked us.
func (l *Log) UnchokedBy(remoteID int32) {
	l.write("is unchoked by %d.", remoteID)
}

// ChokedBy records that remoteID choked us.
func (l *Log) ChokedBy(remoteID int32) {
	l.write("is choked by %d.", remoteID)
}

// ReceivedHave records a 'have' message from remoteID for pieceIndex.
func (l *Log) ReceivedHave(remoteID int32, pieceIndex int) {
	l.write("received the 'have' message from %d for the piece %d.", remoteID, pieceIndex)
}

// ReceivedInterested records an 'interested' message from remoteID.
func (l *Log) ReceivedInterested(remoteID int32) {
	l.write("received the 'interested' message from %d.", remoteID)
}

// ReceivedNotInterested records a 'not interested' message from remoteID.
func (l *Log) ReceivedNotInterested(remoteID int32) {
	l.write("received the 'not interested' message from %d.", remoteID)
}

// DownloadedPiece records a completed piece download and the running count
// of pieces held.
func (l *Log) DownloadedPiece(remoteID int32, pieceIndex, numPieces int) {
	l.write(
		"has downloaded the piece %d from %d. Now the number of pieces it has is %d.",
		pieceIndex, remoteID, numPieces,
	)
}

// DownloadComplete records that the local file is complete.
func (l *Log) DownloadComplete() {
	l.write("has downloaded the complete file.")
}
