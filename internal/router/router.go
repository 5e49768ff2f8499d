// Package router decides, for every job forwarded to a worker, which upstream
// the job is taken from, and whether a submission is mirrored to the fee
// pools. Each scheduling policy is an independent Scheduler implementation so
// synthetic job streams can drive it directly in tests.
package router

import (
	"math"
	"math/rand"
)

// Source identifies which upstream class a job or submission targets.
type Source int

const (
	SourcePrimary Source = iota
	SourceProxyFee
	SourceDevFee
)

func (s Source) String() string {
	switch s {
	case SourceProxyFee:
		return "proxy_fee"
	case SourceDevFee:
		return "dev_fee"
	default:
		return "primary"
	}
}

// Mode selects the fee policy.
type Mode int

const (
	ModeOff       Mode = 0
	ModeFixedRate Mode = 1
	ModeAllShare  Mode = 2
)

// Algorithm selects how FIXED_RATE picks fee slots.
type Algorithm int

const (
	AlgTimer  Algorithm = 0
	AlgRandom Algorithm = 99
)

// cycle is the length of the timer scheduling window, in primary jobs.
const cycle = 100

// Config carries the share-routing knobs.
type Config struct {
	Mode    Mode
	Alg     Algorithm
	Rate    float64 // operator fee fraction in [0,1]
	DevRate float64 // developer fee fraction in [0,1]
}

// Scheduler chooses the source of each delivered job. Implementations are not
// safe for concurrent use; each session owns one.
type Scheduler interface {
	// NextJobSource is called once per job arriving from the primary pool.
	// proxyReady and devReady report whether the matching fee queue currently
	// holds a deliverable job. The returned source is where the job actually
	// delivered to the worker must come from.
	NextJobSource(proxyReady, devReady bool) Source
	// SubmitMirror reports whether the current submission should also be
	// copied to a fee pool (ALL_SHARE only).
	SubmitMirror() (Source, bool)
}

// New builds the scheduler for the configured mode. rng may be nil, in which
// case a private source is used; tests pass a seeded one.
func New(cfg Config, rng *rand.Rand) Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	switch cfg.Mode {
	case ModeFixedRate:
		if cfg.Alg == AlgRandom {
			return &randomScheduler{cfg: cfg, rng: rng}
		}
		return newTimerScheduler(cfg)
	case ModeAllShare:
		return &allShareScheduler{cfg: cfg, rng: rng}
	default:
		return offScheduler{}
	}
}

// offScheduler forwards every primary job verbatim.
type offScheduler struct{}

func (offScheduler) NextJobSource(bool, bool) Source { return SourcePrimary }
func (offScheduler) SubmitMirror() (Source, bool)    { return SourcePrimary, false }

// timerScheduler spreads round(cycle*rate) fee slots evenly over every run of
// 100 primary jobs. A slot whose queue is empty carries forward as debt and is
// repaid at the next primary job that finds the queue non-empty.
type timerScheduler struct {
	proxySlots   map[int]bool
	devSlots     map[int]bool
	count        int
	pendingProxy int
	pendingDev   int
}

func newTimerScheduler(cfg Config) *timerScheduler {
	s := &timerScheduler{
		proxySlots: make(map[int]bool),
		devSlots:   make(map[int]bool),
	}
	proxyCount := int(math.Round(cycle * cfg.Rate))
	devCount := int(math.Round(cycle * cfg.DevRate))
	if proxyCount+devCount > cycle {
		devCount = cycle - proxyCount
	}
	fill(s.proxySlots, proxyCount, nil)
	fill(s.devSlots, devCount, s.proxySlots)
	return s
}

// fill places n slots evenly over the cycle, stepping past positions already
// claimed by taken.
func fill(slots map[int]bool, n int, taken map[int]bool) {
	if n <= 0 {
		return
	}
	step := float64(cycle) / float64(n)
	for i := 0; i < n; i++ {
		pos := int(float64(i) * step)
		for slots[pos%cycle] || taken[pos%cycle] {
			pos++
		}
		slots[pos%cycle] = true
	}
}

func (s *timerScheduler) NextJobSource(proxyReady, devReady bool) Source {
	idx := s.count % cycle
	s.count++

	if s.devSlots[idx] {
		s.pendingDev++
	} else if s.proxySlots[idx] {
		s.pendingProxy++
	}

	if s.pendingDev > 0 && devReady {
		s.pendingDev--
		return SourceDevFee
	}
	if s.pendingProxy > 0 && proxyReady {
		s.pendingProxy--
		return SourceProxyFee
	}
	return SourcePrimary
}

func (s *timerScheduler) SubmitMirror() (Source, bool) { return SourcePrimary, false }

// randomScheduler draws one uniform sample per primary job.
type randomScheduler struct {
	cfg Config
	rng *rand.Rand
}

func (s *randomScheduler) NextJobSource(proxyReady, devReady bool) Source {
	x := s.rng.Float64()
	switch {
	case x < s.cfg.DevRate && devReady:
		return SourceDevFee
	case x < s.cfg.DevRate+s.cfg.Rate && proxyReady:
		return SourceProxyFee
	case x < s.cfg.DevRate && proxyReady:
		// Dev queue was dry; the operator queue absorbs the slot rather than
		// losing it.
		return SourceProxyFee
	default:
		return SourcePrimary
	}
}

func (s *randomScheduler) SubmitMirror() (Source, bool) { return SourcePrimary, false }

// allShareScheduler forwards every job from the primary pool and instead
// mirrors a fixed fraction of submissions to the fee pools.
type allShareScheduler struct {
	cfg Config
	rng *rand.Rand
}

func (s *allShareScheduler) NextJobSource(bool, bool) Source { return SourcePrimary }

func (s *allShareScheduler) SubmitMirror() (Source, bool) {
	x := s.rng.Float64()
	switch {
	case x < s.cfg.DevRate:
		return SourceDevFee, true
	case x < s.cfg.DevRate+s.cfg.Rate:
		return SourceProxyFee, true
	default:
		return SourcePrimary, false
	}
}
