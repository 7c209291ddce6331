package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prxssh/warren/internal/config"
)

// Store maps piece indexes onto byte ranges of the single backing file
// inside a peer directory. Piece i lives at offset i*PieceSize; every piece
// is PieceSize bytes except the final one, which holds the remainder.
//
// WritePiece and ReadPiece are safe for concurrent use: they address the
// file with WriteAt/ReadAt and never share a seek position.
type Store struct {
	log  *slog.Logger
	cfg  *config.Common
	path string
	f    *os.File
}

var (
	ErrBadPieceIndex = errors.New("storage: piece index out of range")
	ErrBadPieceSize  = errors.New("storage: piece data has wrong length")
)

// NewStore opens (or creates) `<dir>/<FileName>`. A seed's pre-existing
// payload is left untouched.
func NewStore(dir string, cfg *config.Common, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create peer dir: %w", err)
	}

	path := filepath.Join(dir, cfg.FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &Store{
		log:  log.With("component", "storage", "path", path),
		cfg:  cfg,
		path: path,
		f:    f,
	}, nil
}

// WritePiece persists piece index at its file offset. The data length must
// equal the piece's natural length.
func (s *Store) WritePiece(index int, data []byte) error {
	if index < 0 || index >= s.cfg.NumPieces() {
		return fmt.Errorf("%w: %d", ErrBadPieceIndex, index)
	}
	if len(data) != s.cfg.PieceLength(index) {
		return fmt.Errorf(
			"%w: piece %d has %d bytes, want %d",
			ErrBadPieceSize, index, len(data), s.cfg.PieceLength(index),
		)
	}

	offset := int64(index) * int64(s.cfg.PieceSize)
	n, err := s.f.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("write piece %d: %w", index, err)
	}
	if n != len(data) {
		return fmt.Errorf("write piece %d: wrote %d of %d bytes", index, n, len(data))
	}

	return nil
}

// ReadPiece reads piece index at its natural length.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	if index < 0 || index >= s.cfg.NumPieces() {
		return nil, fmt.Errorf("%w: %d", ErrBadPieceIndex, index)
	}

	data := make([]byte, s.cfg.PieceLength(index))
	offset := int64(index) * int64(s.cfg.PieceSize)

	n, err := s.f.ReadAt(data, offset)
	if err != nil {
		return nil, fmt.Errorf("read piece %d: %w", index, err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("read piece %d: read %d of %d bytes", index, n, len(data))
	}

	return data, nil
}

// Path returns the backing file's location.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	s.log.Debug("closing store")
	return s.f.Close()
}
