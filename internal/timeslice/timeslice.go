// Package timeslice records how long each bring-up step took on each hart as
// a compact binary log.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/bringup/internal/boot"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind indexes the kind names written in the log header. Zero is invalid.
type Kind uint32

type record struct {
	Kind     Kind
	Hart     uint32
	Duration int64
}

var recordSize = binary.Size(record{})

// Writer streams records to an io.Writer from a background goroutine.
type Writer struct {
	w      io.Writer
	kinds  []string
	closed atomic.Bool
	recs   chan record
	done   chan error
}

// Open writes the log header naming kinds and starts the writer. Kind(i+1)
// refers to kinds[i].
func Open(w io.Writer, kinds []string) (*Writer, error) {
	names, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	tw := &Writer{
		w:     w,
		kinds: kinds,
		recs:  make(chan record, 256),
		done:  make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func (tw *Writer) run() {
	bw := bufio.NewWriter(tw.w)
	var buf [16]byte
	for r := range tw.recs {
		binary.LittleEndian.PutUint32(buf[0:], uint32(r.Kind))
		binary.LittleEndian.PutUint32(buf[4:], r.Hart)
		binary.LittleEndian.PutUint64(buf[8:], uint64(r.Duration))
		if _, err := bw.Write(buf[:recordSize]); err != nil {
			tw.done <- err
			for range tw.recs {
			}
			return
		}
	}
	tw.done <- bw.Flush()
}

// Record queues one record. Records after Close are dropped.
func (tw *Writer) Record(kind Kind, hart uint32, d time.Duration) {
	if tw.closed.Load() {
		return
	}
	tw.recs <- record{Kind: kind, Hart: hart, Duration: d.Nanoseconds()}
}

// Close flushes every queued record. Record must not race with Close.
func (tw *Writer) Close() error {
	if !tw.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(tw.recs)
	if err := <-tw.done; err != nil {
		return fmt.Errorf("timeslice: write: %w", err)
	}
	return nil
}

// ReadAll decodes a log, calling fn for each record in order.
func ReadAll(r io.Reader, fn func(kind string, hart uint32, d time.Duration) error) error {
	buf := bufio.NewReader(r)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	var kinds []string
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength))).Decode(&kinds); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		if rec.Kind == 0 || int(rec.Kind) > len(kinds) {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(kinds[rec.Kind-1], rec.Hart, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// StepKinds names every bring-up step. Step s is recorded as Kind(s+1).
func StepKinds() []string {
	var out []string
	for s := boot.StepResolve; s <= boot.StepPublish; s++ {
		out = append(out, s.String())
	}
	return out
}

// StepObserver times bring-up steps. Each event is charged the time since the
// previous event of the same hart, or since the observer was created for a
// hart's first event.
type StepObserver struct {
	w     *Writer
	start time.Time
	now   func() time.Time

	mu   sync.Mutex
	last map[uint32]time.Time
}

// NewStepObserver records into w, which must have been opened with
// StepKinds.
func NewStepObserver(w *Writer) *StepObserver {
	return &StepObserver{
		w:     w,
		start: time.Now(),
		now:   time.Now,
		last:  make(map[uint32]time.Time),
	}
}

// Observe implements boot.Observer.
func (o *StepObserver) Observe(e boot.Event) {
	hart := uint32(e.Hart)
	now := o.now()

	o.mu.Lock()
	prev, ok := o.last[hart]
	if !ok {
		prev = o.start
	}
	o.last[hart] = now
	o.mu.Unlock()

	o.w.Record(Kind(e.Step)+1, hart, now.Sub(prev))
}

var _ boot.Observer = (*StepObserver)(nil)
