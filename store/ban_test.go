package store

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catchupnet/conode/common"
)

func openTestBanStore(t *testing.T) *BanStore {
	t.Helper()
	s, err := OpenBanStore(filepath.Join(t.TempDir(), "bans"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBanAndUnbanByID(t *testing.T) {
	s := openTestBanStore(t)
	entry := ByID(common.NodeID(42))

	banned, err := s.IsBanned(entry)
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, s.Ban(entry, 0))
	banned, err = s.IsBanned(entry)
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, s.Unban(entry))
	banned, err = s.IsBanned(entry)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanByAddr(t *testing.T) {
	s := openTestBanStore(t)
	entry := ByAddr(net.ParseIP("192.0.2.1"))

	require.NoError(t, s.Ban(entry, 0))
	banned, err := s.IsBanned(entry)
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestListAndClear(t *testing.T) {
	s := openTestBanStore(t)
	require.NoError(t, s.Ban(ByID(common.NodeID(1)), 0))
	require.NoError(t, s.Ban(ByID(common.NodeID(2)), 0))

	entries, err := s.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, s.Clear())
	entries, err = s.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
