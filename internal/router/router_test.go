package router

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffForwardsEverything(t *testing.T) {
	s := New(Config{Mode: ModeOff}, nil)
	for i := 0; i < 200; i++ {
		assert.Equal(t, SourcePrimary, s.NextJobSource(true, true))
	}
	_, mirror := s.SubmitMirror()
	assert.False(t, mirror)
}

func TestTimerExactSlotCount(t *testing.T) {
	s := New(Config{Mode: ModeFixedRate, Alg: AlgTimer, Rate: 0.10}, nil)

	counts := map[Source]int{}
	for i := 0; i < 100; i++ {
		counts[s.NextJobSource(true, true)]++
	}
	assert.Equal(t, 10, counts[SourceProxyFee])
	assert.Equal(t, 90, counts[SourcePrimary])
	assert.Equal(t, 0, counts[SourceDevFee])
}

func TestTimerSplitsOperatorAndDeveloper(t *testing.T) {
	s := New(Config{Mode: ModeFixedRate, Alg: AlgTimer, Rate: 0.10, DevRate: 0.01}, nil)

	counts := map[Source]int{}
	for i := 0; i < 1000; i++ {
		counts[s.NextJobSource(true, true)]++
	}
	assert.Equal(t, 100, counts[SourceProxyFee])
	assert.Equal(t, 10, counts[SourceDevFee])
}

func TestTimerCarriesSlotForwardWhenQueueEmpty(t *testing.T) {
	s := New(Config{Mode: ModeFixedRate, Alg: AlgTimer, Rate: 0.10}, nil)

	// First 50 jobs see an empty fee queue: everything stays primary.
	for i := 0; i < 50; i++ {
		assert.Equal(t, SourcePrimary, s.NextJobSource(false, false))
	}

	// Queue fills; the 5 missed slots are repaid first, then the remaining
	// scheduled slots fire, totalling 10 per 100.
	fee := 0
	for i := 0; i < 50; i++ {
		if s.NextJobSource(true, false) == SourceProxyFee {
			fee++
		}
	}
	assert.Equal(t, 10, fee)
}

func TestTimerConvergence(t *testing.T) {
	for _, rate := range []float64{0.05, 0.10, 0.25, 0.50} {
		s := New(Config{Mode: ModeFixedRate, Alg: AlgTimer, Rate: rate}, nil)
		fee := 0
		const n = 1000
		for i := 0; i < n; i++ {
			if s.NextJobSource(true, true) != SourcePrimary {
				fee++
			}
		}
		got := float64(fee) / n
		assert.InDelta(t, rate, got, 0.05, "rate %v produced %v", rate, got)
	}
}

func TestRandomConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := New(Config{Mode: ModeFixedRate, Alg: AlgRandom, Rate: 0.10, DevRate: 0.01}, rng)

	counts := map[Source]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		counts[s.NextJobSource(true, true)]++
	}
	assert.InDelta(t, 0.10, float64(counts[SourceProxyFee])/n, 0.02)
	assert.InDelta(t, 0.01, float64(counts[SourceDevFee])/n, 0.005)
}

func TestRandomFallsBackWhenQueuesDry(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := New(Config{Mode: ModeFixedRate, Alg: AlgRandom, Rate: 0.50}, rng)
	for i := 0; i < 1000; i++ {
		assert.Equal(t, SourcePrimary, s.NextJobSource(false, false))
	}
}

func TestAllShareMirrorsSubmissions(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := New(Config{Mode: ModeAllShare, Rate: 0.20, DevRate: 0.01}, rng)

	// Jobs always come from the primary pool.
	for i := 0; i < 100; i++ {
		require.Equal(t, SourcePrimary, s.NextJobSource(true, true))
	}

	proxy, dev := 0, 0
	const n = 10000
	for i := 0; i < n; i++ {
		if src, ok := s.SubmitMirror(); ok {
			switch src {
			case SourceProxyFee:
				proxy++
			case SourceDevFee:
				dev++
			}
		}
	}
	assert.InDelta(t, 0.20, float64(proxy)/n, 0.02)
	assert.InDelta(t, 0.01, float64(dev)/n, 0.005)
}

func TestFillPlacesDisjointSlots(t *testing.T) {
	proxy := map[int]bool{}
	dev := map[int]bool{}
	fill(proxy, 10, nil)
	fill(dev, 1, proxy)

	assert.Len(t, proxy, 10)
	assert.Len(t, dev, 1)
	for slot := range dev {
		assert.False(t, proxy[slot])
	}
}
