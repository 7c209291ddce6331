package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestLoadCommon_OK(t *testing.T) {
	path := writeFile(t, "Common.cfg", `NumberOfPreferredNeighbors 2
UnchokingInterval 5
OptimisticUnchokingInterval 15
FileName TheFile.dat
FileSize 10000232
PieceSize 32768
`)

	cfg, err := LoadCommon(path, discard())
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.NumPreferredNeighbors)
	assert.Equal(t, 5*time.Second, cfg.UnchokingInterval)
	assert.Equal(t, 15*time.Second, cfg.OptimisticUnchokingInterval)
	assert.Equal(t, "TheFile.dat", cfg.FileName)
	assert.Equal(t, int64(10000232), cfg.FileSize)
	assert.Equal(t, 32768, cfg.PieceSize)
	assert.Equal(t, 306, cfg.NumPieces())
	assert.Equal(t, 32768, cfg.PieceLength(0))
	assert.Equal(t, 10000232-305*32768, cfg.PieceLength(305))
}

func TestLoadCommon_OrderInsensitiveAndUnknownKeys(t *testing.T) {
	path := writeFile(t, "Common.cfg", `PieceSize 100
FileSize 250
SomeFutureKnob 42
FileName data.bin
OptimisticUnchokingInterval 1
UnchokingInterval 1
NumberOfPreferredNeighbors 1
`)

	cfg, err := LoadCommon(path, discard())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.NumPieces())
	assert.Equal(t, 50, cfg.PieceLength(2))
}

func TestLoadCommon_Errors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing key", "NumberOfPreferredNeighbors 2\nUnchokingInterval 5\n"},
		{"missing value", "NumberOfPreferredNeighbors\n"},
		{"bad int", "NumberOfPreferredNeighbors two\n"},
		{"zero piece size", `NumberOfPreferredNeighbors 2
UnchokingInterval 5
OptimisticUnchokingInterval 15
FileName f
FileSize 100
PieceSize 0
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "Common.cfg", tc.content)
			_, err := LoadCommon(path, discard())
			assert.Error(t, err)
		})
	}
}

func TestLoadCommon_MissingFile(t *testing.T) {
	_, err := LoadCommon(filepath.Join(t.TempDir(), "nope.cfg"), discard())
	assert.Error(t, err)
}

func TestLoadPeers_OK(t *testing.T) {
	path := writeFile(t, "PeerInfo.cfg", `1001 lin114-00.cise.ufl.edu 6008 1
1002 lin114-01.cise.ufl.edu 6008 0

1003 localhost 6010 0
`)

	peers, err := LoadPeers(path)
	require.NoError(t, err)
	require.Len(t, peers, 3)

	assert.Equal(t, PeerInfo{ID: 1001, Host: "lin114-00.cise.ufl.edu", Port: 6008, HasFile: true}, peers[0])
	assert.False(t, peers[1].HasFile)
	assert.Equal(t, "localhost", peers[2].Host)
}

func TestLoadPeers_Errors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"short line", "1001 localhost 6008\n"},
		{"bad flag", "1001 localhost 6008 2\n"},
		{"bad port", "1001 localhost sixty 1\n"},
		{"empty file", "\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "PeerInfo.cfg", tc.content)
			_, err := LoadPeers(path)
			assert.Error(t, err)
		})
	}
}

func TestFindPeer(t *testing.T) {
	peers := []PeerInfo{{ID: 1001}, {ID: 1002}}

	got, err := FindPeer(peers, 1002)
	require.NoError(t, err)
	assert.Equal(t, int32(1002), got.ID)

	_, err = FindPeer(peers, 9999)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
