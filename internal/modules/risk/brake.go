package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/events"
)

// Brake is the platform-wide emergency stop. Engaged, every order path
// rejects with BRAKE_ACTIVE before touching a book. Fatal errors engage
// it automatically; release is always an explicit operator action.
type Brake struct {
	bus *events.Bus
	log zerolog.Logger

	mu        sync.RWMutex
	engaged   bool
	reason    string
	source    string
	engagedAt time.Time
}

// BrakeState is the externally visible brake posture.
type BrakeState struct {
	Engaged   bool      `json:"engaged"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source,omitempty"`
	EngagedAt time.Time `json:"engaged_at,omitempty"`
}

// NewBrake creates a released brake. bus may be nil in tests.
func NewBrake(bus *events.Bus, log zerolog.Logger) *Brake {
	return &Brake{
		bus: bus,
		log: log.With().Str("component", "emergency_brake").Logger(),
	}
}

// Engage stops all trading. Idempotent: re-engaging keeps the original
// reason and reports false.
func (b *Brake) Engage(reason, source string) bool {
	b.mu.Lock()
	if b.engaged {
		b.mu.Unlock()
		return false
	}
	b.engaged = true
	b.reason = reason
	b.source = source
	b.engagedAt = time.Now().UTC()
	b.mu.Unlock()

	b.log.Error().Str("reason", reason).Str("source", source).Msg("EMERGENCY BRAKE ENGAGED")
	if b.bus != nil {
		b.bus.Publish("risk", &events.BrakeChangedData{Engaged: true, Reason: reason, Source: source})
	}
	return true
}

// Release re-enables trading. Reports false when the brake wasn't engaged.
func (b *Brake) Release() bool {
	b.mu.Lock()
	if !b.engaged {
		b.mu.Unlock()
		return false
	}
	reason := b.reason
	b.engaged = false
	b.reason = ""
	b.source = ""
	b.engagedAt = time.Time{}
	b.mu.Unlock()

	b.log.Warn().Str("was", reason).Msg("Emergency brake released")
	if b.bus != nil {
		b.bus.Publish("risk", &events.BrakeChangedData{Engaged: false, Source: "operator"})
	}
	return true
}

// Engaged reports the current brake state. On the hot path for every
// order, so it takes only a read lock.
func (b *Brake) Engaged() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.engaged
}

// State returns the full posture for the status endpoint.
func (b *Brake) State() BrakeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BrakeState{
		Engaged:   b.engaged,
		Reason:    b.reason,
		Source:    b.source,
		EngagedAt: b.engagedAt,
	}
}
