package testfixtures

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/assembly-panel/internal/audit"
	"github.com/example/assembly-panel/internal/directory"
)

var profileCounter uint64

var referenceTime = time.Date(2026, time.March, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// ---------------------------- Profile fixtures ----------------------------

// ProfileOption configures a generated member profile.
type ProfileOption func(*directory.Profile)

// NewProfile returns a deterministic member profile with optional overrides.
func NewProfile(opts ...ProfileOption) directory.Profile {
	idx := atomic.AddUint64(&profileCounter, 1)
	id := fmt.Sprintf("user-%03d", idx)
	profile := directory.Profile{
		UserID:     id,
		Name:       fmt.Sprintf("Member %03d", idx),
		Identifier: fmt.Sprintf("M-%03d", idx),
		Email:      fmt.Sprintf("%s@example.org", id),
	}
	for _, opt := range opts {
		opt(&profile)
	}
	return profile
}

// WithProfileID overrides the generated user ID.
func WithProfileID(id string) ProfileOption {
	return func(p *directory.Profile) {
		p.UserID = id
	}
}

// WithProfileName overrides the generated display name.
func WithProfileName(name string) ProfileOption {
	return func(p *directory.Profile) {
		p.Name = name
	}
}

// WithProfileAdmin marks the profile as an administrator.
func WithProfileAdmin() ProfileOption {
	return func(p *directory.Profile) {
		p.Admin = true
	}
}

// ----------------------------- Audit fixtures -----------------------------

// RecordingSink is an audit.Sink that retains every event in memory so tests
// can assert on what was recorded.
type RecordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

// Record implements audit.Sink.
func (s *RecordingSink) Record(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (s *RecordingSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

// Named returns the recorded events whose name matches.
func (s *RecordingSink) Named(name string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []audit.Event
	for _, event := range s.events {
		if event.Name == name {
			matched = append(matched, event)
		}
	}
	return matched
}

// Reset discards all recorded events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}
