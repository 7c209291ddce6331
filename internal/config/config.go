package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Common holds the cohort-wide parameters loaded from Common.cfg. It is
// immutable after load.
type Common struct {
	// NumPreferredNeighbors is the unchoke slot count k.
	NumPreferredNeighbors int

	// UnchokingInterval is the preferred-neighbor recomputation period p.
	UnchokingInterval time.Duration

	// OptimisticUnchokingInterval is the optimistic rotation period m.
	OptimisticUnchokingInterval time.Duration

	// FileName is the distributed file's name inside each peer directory.
	FileName string

	// FileSize is the total file size in bytes.
	FileSize int64

	// PieceSize is the size of every piece except possibly the last.
	PieceSize int
}

// PeerInfo describes one cohort member from PeerInfo.cfg. The set is
// totally ordered by ID; the higher id of any pair initiates the
// connection.
type PeerInfo struct {
	ID      int32
	Host    string
	Port    int
	HasFile bool
}

var (
	ErrMissingValue = errors.New("config: missing value")
	ErrUnknownPeer  = errors.New("config: unknown peer id")
)

// NumPieces returns ceil(FileSize / PieceSize).
func (c *Common) NumPieces() int {
	return int((c.FileSize + int64(c.PieceSize) - 1) / int64(c.PieceSize))
}

// PieceLength returns the byte length of piece index: PieceSize for every
// piece except the final one, which holds the remainder.
func (c *Common) PieceLength(index int) int {
	if index == c.NumPieces()-1 {
		return int(c.FileSize - int64(c.NumPieces()-1)*int64(c.PieceSize))
	}

	return c.PieceSize
}

// LoadCommon parses the whitespace-separated key/value Common.cfg file.
// Keys may appear in any order; unknown keys are logged and skipped.
func LoadCommon(path string, log *slog.Logger) (*Common, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Common{}
	seen := make(map[string]bool)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		key := fields[0]
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w for key %q", ErrMissingValue, key)
		}
		value := fields[1]

		switch key {
		case "NumberOfPreferredNeighbors":
			cfg.NumPreferredNeighbors, err = strconv.Atoi(value)
		case "UnchokingInterval":
			var secs int
			secs, err = strconv.Atoi(value)
			cfg.UnchokingInterval = time.Duration(secs) * time.Second
		case "OptimisticUnchokingInterval":
			var secs int
			secs, err = strconv.Atoi(value)
			cfg.OptimisticUnchokingInterval = time.Duration(secs) * time.Second
		case "FileName":
			cfg.FileName = value
		case "FileSize":
			cfg.FileSize, err = strconv.ParseInt(value, 10, 64)
		case "PieceSize":
			cfg.PieceSize, err = strconv.Atoi(value)
		default:
			log.Warn("unknown key in config file, skipping", "key", key)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", key, value, err)
		}
		seen[key] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	required := []string{
		"NumberOfPreferredNeighbors",
		"UnchokingInterval",
		"OptimisticUnchokingInterval",
		"FileName",
		"FileSize",
		"PieceSize",
	}
	for _, key := range required {
		if !seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrMissingValue, key)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Common) validate() error {
	if c.NumPreferredNeighbors < 1 {
		return fmt.Errorf("config: NumberOfPreferredNeighbors must be positive, got %d", c.NumPreferredNeighbors)
	}
	if c.UnchokingInterval <= 0 || c.OptimisticUnchokingInterval <= 0 {
		return errors.New("config: unchoking intervals must be positive")
	}
	if c.FileSize <= 0 || c.PieceSize <= 0 {
		return fmt.Errorf("config: FileSize %d and PieceSize %d must be positive", c.FileSize, c.PieceSize)
	}
	return nil
}

// LoadPeers parses PeerInfo.cfg: one `<id> <host> <port> <0|1>` line per
// cohort member, in ascending id order.
func LoadPeers(path string) ([]PeerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var peers []PeerInfo

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("config: malformed peer line %q", sc.Text())
		}

		id, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse peer id %q: %w", fields[0], err)
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("parse peer port %q: %w", fields[2], err)
		}

		var hasFile bool
		switch fields[3] {
		case "0":
			hasFile = false
		case "1":
			hasFile = true
		default:
			return nil, fmt.Errorf("config: has-file flag must be 0 or 1, got %q", fields[3])
		}

		peers = append(peers, PeerInfo{
			ID:      int32(id),
			Host:    fields[1],
			Port:    port,
			HasFile: hasFile,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if len(peers) == 0 {
		return nil, fmt.Errorf("config: %s lists no peers", path)
	}
	return peers, nil
}

// FindPeer returns the cohort entry for id.
func FindPeer(peers []PeerInfo, id int32) (PeerInfo, error) {
	for _, p := range peers {
		if p.ID == id {
			return p, nil
		}
	}

	return PeerInfo{}, fmt.Errorf("%w: %d", ErrUnknownPeer, id)
}
