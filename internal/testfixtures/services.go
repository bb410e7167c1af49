package testfixtures

import "time"

// Deterministic bundles a controllable clock and identifier generator so tests
// can construct services whose output is stable across runs.
type Deterministic struct {
	Clock       *Clock
	IDGenerator *IDGenerator
}

// DeterministicOption configures a Deterministic bundle.
type DeterministicOption func(*Deterministic)

// NewDeterministic constructs a bundle with defaults: the clock starts at
// ReferenceTime and identifiers use the "id" prefix.
func NewDeterministic(opts ...DeterministicOption) *Deterministic {
	bundle := &Deterministic{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("id"),
	}
	for _, opt := range opts {
		opt(bundle)
	}
	if bundle.Clock == nil {
		bundle.Clock = NewClock(time.Time{})
	}
	if bundle.IDGenerator == nil {
		bundle.IDGenerator = NewIDGenerator("id")
	}
	return bundle
}

// WithClock overrides the clock used by the bundle.
func WithClock(clock *Clock) DeterministicOption {
	return func(bundle *Deterministic) {
		bundle.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the bundle.
func WithIDGenerator(generator *IDGenerator) DeterministicOption {
	return func(bundle *Deterministic) {
		bundle.IDGenerator = generator
	}
}

// Now is a convenience accessor for the bundle clock.
func (d *Deterministic) Now() time.Time {
	return d.Clock.Now()
}

// NextID is a convenience accessor for the bundle identifier generator.
func (d *Deterministic) NextID() string {
	return d.IDGenerator.Next()
}
