// Package boot decides which hart performs platform-wide initialization and
// sequences every hart's bring-up around that decision.
package boot

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tinyrange/bringup/internal/platform"
)

// Policy selects how the cold boot hart is chosen.
type Policy int

const (
	// PolicyLottery lets the first hart to arrive win.
	PolicyLottery Policy = iota
	// PolicyDesignated makes a configured hart the cold boot hart.
	PolicyDesignated
	// PolicyLowest makes the lowest enabled hart the cold boot hart.
	PolicyLowest
)

func (p Policy) String() string {
	switch p {
	case PolicyLottery:
		return "lottery"
	case PolicyDesignated:
		return "designated"
	case PolicyLowest:
		return "lowest"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses a policy name as printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lottery", "":
		return PolicyLottery, nil
	case "designated":
		return PolicyDesignated, nil
	case "lowest":
		return PolicyLowest, nil
	}
	return 0, fmt.Errorf("%w: unknown boot policy %q", platform.ErrConfiguration, s)
}

// Resolver answers, once per firmware entry, whether a hart is the cold boot
// hart. Exactly one hart observes ColdBoot per power cycle.
type Resolver struct {
	desc   *platform.Descriptor
	policy Policy
	target platform.HartID // cold hart for PolicyDesignated and PolicyLowest

	// claim reports whether hart wins the cold boot role. It is called once per
	// entry and must succeed for at most one hart per power cycle.
	claim func(hart platform.HartID) bool

	latch     atomic.Bool
	coldCount atomic.Int32
	coldHart  atomic.Int64 // -1 until a hart observes ColdBoot

	// entries holds 1+BootEvent for a hart with an active entry, 0 otherwise.
	entries []atomic.Int32
}

// NewResolver creates a resolver for desc. bootHart is only used by
// PolicyDesignated.
func NewResolver(desc *platform.Descriptor, policy Policy, bootHart platform.HartID) (*Resolver, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		desc:    desc,
		policy:  policy,
		entries: make([]atomic.Int32, desc.HartCount),
	}
	r.coldHart.Store(-1)

	switch policy {
	case PolicyLottery:
		r.claim = func(platform.HartID) bool {
			return r.latch.CompareAndSwap(false, true)
		}
	case PolicyDesignated, PolicyLowest:
		if policy == PolicyLowest {
			bootHart = lowestEnabled(desc)
		}
		if err := desc.CheckHart(bootHart); err != nil {
			return nil, fmt.Errorf("boot hart: %w", err)
		}
		r.target = bootHart
		r.claim = func(h platform.HartID) bool {
			return h == r.target && r.latch.CompareAndSwap(false, true)
		}
	default:
		return nil, fmt.Errorf("%w: unknown boot policy %v", platform.ErrConfiguration, policy)
	}
	return r, nil
}

func lowestEnabled(desc *platform.Descriptor) platform.HartID {
	for h := platform.HartID(0); h < platform.HartID(desc.HartCount); h++ {
		if !desc.DisabledHarts.Has(h) {
			return h
		}
	}
	return 0
}

// Policy returns the policy the resolver was built with.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve returns hart's role for its current entry. The first call of an
// entry decides; later calls in the same entry return the same answer.
func (r *Resolver) Resolve(hart platform.HartID) (platform.BootEvent, error) {
	if err := r.desc.CheckHart(hart); err != nil {
		return platform.WarmBoot, err
	}
	if e := r.entries[hart].Load(); e != 0 {
		return platform.BootEvent(e - 1), nil
	}

	event := platform.WarmBoot
	if r.claim(hart) {
		if n := r.coldCount.Add(1); n > 1 {
			return platform.WarmBoot, fmt.Errorf("%w: hart %d is cold boot observation %d", platform.ErrInconsistentBoot, hart, n)
		}
		r.coldHart.Store(int64(hart))
		event = platform.ColdBoot
	}
	r.entries[hart].Store(int32(event) + 1)
	return event, nil
}

// Exit ends hart's current entry. Its next Resolve starts a new entry, which
// is always a warm boot.
func (r *Resolver) Exit(hart platform.HartID) {
	if int(hart) < len(r.entries) {
		r.entries[hart].Store(0)
	}
}

// ColdHart returns the hart that observed ColdBoot this power cycle.
func (r *Resolver) ColdHart() (platform.HartID, bool) {
	h := r.coldHart.Load()
	if h < 0 {
		return 0, false
	}
	return platform.HartID(h), true
}

// Reset forgets every decision, as a platform power cycle does. No hart may
// be inside Resolve while Reset runs.
func (r *Resolver) Reset() {
	r.latch.Store(false)
	r.coldCount.Store(0)
	r.coldHart.Store(-1)
	for i := range r.entries {
		r.entries[i].Store(0)
	}
}
