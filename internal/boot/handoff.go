package boot

import (
	"fmt"
	"sync"

	"github.com/tinyrange/bringup/internal/fdt"
	"github.com/tinyrange/bringup/internal/platform"
)

// Fixup edits the hand-off blob in place and returns how many values it
// changed.
type Fixup struct {
	Name  string
	Apply func(blob []byte) (int, error)
}

// Handoff is the device tree passed to the next boot stage. The cold boot hart
// fixes it up once; after that it is sealed and only readable.
type Handoff struct {
	mu     sync.RWMutex
	blob   []byte
	sealed bool
}

// NewHandoff wraps blob. The handoff owns blob from here on.
func NewHandoff(blob []byte) *Handoff {
	return &Handoff{blob: blob}
}

// Apply runs fixups in order. It fails with ErrHandoffSealed once the blob
// has been sealed.
func (h *Handoff) Apply(fixups []Fixup) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return 0, platform.ErrHandoffSealed
	}
	total := 0
	for _, f := range fixups {
		n, err := f.Apply(h.blob)
		if err != nil {
			return total, fmt.Errorf("%s: %w", f.Name, err)
		}
		total += n
	}
	return total, nil
}

// SetBootHart records hart as the boot CPU in the blob header.
func (h *Handoff) SetBootHart(hart platform.HartID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return platform.ErrHandoffSealed
	}
	if err := fdt.SetBootCPU(h.blob, uint32(hart)); err != nil {
		return fmt.Errorf("boot hart: %w", err)
	}
	return nil
}

// Seal makes the blob read-only.
func (h *Handoff) Seal() {
	h.mu.Lock()
	h.sealed = true
	h.mu.Unlock()
}

// Sealed reports whether the blob has been sealed.
func (h *Handoff) Sealed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sealed
}

// Bytes returns a copy of the blob.
func (h *Handoff) Bytes() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]byte(nil), h.blob...)
}
