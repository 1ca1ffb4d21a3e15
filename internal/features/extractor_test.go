package features

import (
	"math"
	"testing"

	"github.com/Hara602/ransomSentry/internal/aggregator"
	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/stretchr/testify/assert"
)

type fixedCounters aggregator.Counters

func (f fixedCounters) Snapshot() aggregator.Counters { return aggregator.Counters(f) }

func TestExtractOrder(t *testing.T) {
	e := New(fixedCounters{Total: 12, Encrypt: 3, Deletes: 2, Creates: 5})
	e.UpdateSample(model.ResourceSample{
		CPUPct: 40, MemPct: 55, DiskReadRate: 1000, DiskWriteRate: 2000, NetActivity: 300,
	})

	v := e.Extract()
	assert.Equal(t, model.FeatureVector{12, 3, 2, 5, 1000, 2000, 40, 55, 300}, v)
}

func TestExtractPartialInput(t *testing.T) {
	assert.Equal(t, model.FeatureVector{}, New(nil).Extract())

	e := New(fixedCounters{Total: 4})
	v := e.Extract()
	assert.Equal(t, 4.0, v[model.FeatOpCount])
	assert.Zero(t, v[model.FeatCPUPct])
}

func TestComposeDropsNonFinite(t *testing.T) {
	v := Compose(aggregator.Counters{}, &model.ResourceSample{CPUPct: math.NaN(), MemPct: math.Inf(1), NetActivity: 7})
	assert.Zero(t, v[model.FeatCPUPct])
	assert.Zero(t, v[model.FeatMemPct])
	assert.Equal(t, 7.0, v[model.FeatNetActivity])
}
