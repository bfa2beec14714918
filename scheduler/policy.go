package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// Policy decides how a sent message progresses toward delivered and
// read. Injectable so tests can run with zero delay and a fixed
// outcome instead of real randomness.
type Policy interface {
	// DeliverDelay returns how long to wait before confirming
	// delivery.
	DeliverDelay() time.Duration
	// ReadDecision returns how long to wait before confirming read,
	// and whether a read confirmation should happen at all. When the
	// second value is false the message stays delivered until an
	// explicit read action.
	ReadDecision() (time.Duration, bool)
}

// Defaults for RandomPolicy, matching the latency profile of the
// simulated remote: delivery lands well under two seconds, and a bit
// over half of all messages get a simulated read receipt.
const (
	DefaultDeliverBase     = 700 * time.Millisecond
	DefaultDeliverJitter   = 300 * time.Millisecond
	DefaultReadBase        = 700 * time.Millisecond
	DefaultReadJitter      = 1000 * time.Millisecond
	DefaultReadProbability = 0.6
)

// RandomPolicy produces bounded random delays and a probabilistic read
// decision. Safe for concurrent use.
type RandomPolicy struct {
	DeliverBase     time.Duration
	DeliverJitter   time.Duration
	ReadBase        time.Duration
	ReadJitter      time.Duration
	ReadProbability float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy creates a RandomPolicy with the default delays and
// probability.
func NewRandomPolicy() *RandomPolicy {
	return &RandomPolicy{
		DeliverBase:     DefaultDeliverBase,
		DeliverJitter:   DefaultDeliverJitter,
		ReadBase:        DefaultReadBase,
		ReadJitter:      DefaultReadJitter,
		ReadProbability: DefaultReadProbability,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DeliverDelay returns DeliverBase plus random jitter.
func (p *RandomPolicy) DeliverDelay() time.Duration {
	return p.DeliverBase + p.jitter(p.DeliverJitter)
}

// ReadDecision rolls ReadProbability and, on success, returns ReadBase
// plus random jitter.
func (p *RandomPolicy) ReadDecision() (time.Duration, bool) {
	p.mu.Lock()
	ok := p.rng.Float64() < p.ReadProbability
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return p.ReadBase + p.jitter(p.ReadJitter), true
}

func (p *RandomPolicy) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(max)))
}

// FixedPolicy is a deterministic Policy for tests and demos: fixed
// delays, fixed read outcome.
type FixedPolicy struct {
	Deliver  time.Duration
	Read     time.Duration
	WillRead bool
}

// DeliverDelay returns the fixed delivery delay.
func (p FixedPolicy) DeliverDelay() time.Duration { return p.Deliver }

// ReadDecision returns the fixed read delay and outcome.
func (p FixedPolicy) ReadDecision() (time.Duration, bool) { return p.Read, p.WillRead }
