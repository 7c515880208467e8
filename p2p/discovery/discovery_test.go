package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/store"
)

func TestBootstrapAddressesMergesStaticAndCached(t *testing.T) {
	cache, err := store.OpenDiscoveryCache(filepath.Join(t.TempDir(), "disc"))
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.Remember("10.0.0.9:30303"))

	r := New(Options{
		Cache:          cache,
		StaticNodes:    []string{"10.0.0.1:30303"},
		NoBootstrapDNS: true,
	})

	addrs, err := r.BootstrapAddresses(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1:30303", "10.0.0.9:30303"}, addrs)
}

func TestBootstrapAddressesDeduplicates(t *testing.T) {
	cache, err := store.OpenDiscoveryCache(filepath.Join(t.TempDir(), "disc"))
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.Remember("10.0.0.1:30303"))

	r := New(Options{
		Cache:          cache,
		StaticNodes:    []string{"10.0.0.1:30303"},
		NoBootstrapDNS: true,
	})

	addrs, err := r.BootstrapAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:30303"}, addrs)
}

func TestRecordFailureForgetsAfterThreshold(t *testing.T) {
	cache, err := store.OpenDiscoveryCache(filepath.Join(t.TempDir(), "disc"))
	require.NoError(t, err)
	defer cache.Close()

	r := New(Options{Cache: cache, NoBootstrapDNS: true})
	r.RecordSuccess("10.0.0.1:30303")

	addrs, err := cache.Addresses()
	require.NoError(t, err)
	assert.Contains(t, addrs, "10.0.0.1:30303")

	for i := 0; i < unreachableThreshold; i++ {
		r.RecordFailure("10.0.0.1:30303")
	}

	addrs, err = cache.Addresses()
	require.NoError(t, err)
	assert.NotContains(t, addrs, "10.0.0.1:30303")
}

func TestParsePeerBuildsBootstrapperKind(t *testing.T) {
	peer, err := ParsePeer("127.0.0.1:30303")
	require.NoError(t, err)
	assert.Equal(t, 30303, peer.Addr.Port)
	assert.Equal(t, common.KindBootstrapper, peer.Kind)
}
