package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDiscoveryCache(t *testing.T) *DiscoveryCache {
	t.Helper()
	c, err := OpenDiscoveryCache(filepath.Join(t.TempDir(), "discovery"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRememberAndForget(t *testing.T) {
	c := openTestDiscoveryCache(t)

	require.NoError(t, c.Remember("10.0.0.1:30303"))
	require.NoError(t, c.Remember("10.0.0.2:30303"))

	addrs, err := c.Addresses()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1:30303", "10.0.0.2:30303"}, addrs)

	require.NoError(t, c.Forget("10.0.0.1:30303"))
	addrs, err = c.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2:30303"}, addrs)
}

func TestForgetUnknownAddressIsNotAnError(t *testing.T) {
	c := openTestDiscoveryCache(t)
	assert.NoError(t, c.Forget("192.0.2.1:1"))
}
