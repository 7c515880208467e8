package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerCountersTrackIncDec(t *testing.T) {
	before := PeersPreHandshake.Count()
	PeersPreHandshake.Inc(1)
	assert.Equal(t, before+1, PeersPreHandshake.Count())
	PeersPreHandshake.Dec(1)
	assert.Equal(t, before, PeersPreHandshake.Count())
}

func TestCatchUpGaugesSupportUpdate(t *testing.T) {
	CatchUpPending.Update(3)
	assert.Equal(t, int64(3), CatchUpPending.Value())
}

func TestMetersMarkAccumulates(t *testing.T) {
	before := BytesIn.Count()
	BytesIn.Mark(128)
	assert.Equal(t, before+128, BytesIn.Count())
}
