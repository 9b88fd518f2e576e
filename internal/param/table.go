package param

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/lightfit/internal/scene"
)

// SizeError reports a parameter vector whose length does not match the
// current entity set. Callers treat it as a staleness signal and rebuild.
type SizeError struct {
	Got  int
	Want int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("parameter vector has %d entries, want %d", e.Got, e.Want)
}

// Table associates every optimizable entity of a scene with its flags.
// Flags are created lazily (all false) the first time an entity is seen.
type Table struct {
	entities []scene.Handle
	slots    map[scene.Handle]int
	flags    map[scene.Handle]Flags
}

// NewTable returns an empty table. Call Sync before use.
func NewTable() *Table {
	return &Table{
		slots: make(map[scene.Handle]int),
		flags: make(map[scene.Handle]Flags),
	}
}

// Sync refreshes the entity enumeration from the scene. Flags of entities
// that still exist are kept.
func (t *Table) Sync(sc *scene.Scene) {
	t.entities = sc.Entities()
	t.slots = make(map[scene.Handle]int, len(t.entities))
	for i, h := range t.entities {
		t.slots[h] = i
	}
	for h := range t.flags {
		if !sc.Valid(h) {
			delete(t.flags, h)
		}
	}
}

// Entities returns the handles in enumeration order.
func (t *Table) Entities() []scene.Handle {
	return t.entities
}

// Len returns the number of enumerated entities.
func (t *Table) Len() int {
	return len(t.entities)
}

// Slot returns the enumeration index of h.
func (t *Table) Slot(h scene.Handle) (int, bool) {
	i, ok := t.slots[h]
	return i, ok
}

// Flags returns the flags of h, creating them if necessary.
func (t *Table) Flags(h scene.Handle) Flags {
	f, ok := t.flags[h]
	if !ok {
		t.flags[h] = f
	}
	return f
}

// SetFlags replaces the flags of h. A cone edge without the inner cone is
// not supported and is switched off with a warning.
func (t *Table) SetFlags(h scene.Handle, f Flags) {
	if f[ConeEdge] && !f[ConeInner] {
		slog.Warn("Outer cone angle cannot be optimized standalone, disabling it", "entity", h.String())
		f[ConeEdge] = false
	}
	t.flags[h] = f
}

// SetActive toggles a single parameter of h.
func (t *Table) SetActive(h scene.Handle, k Kind, on bool) {
	f := t.Flags(h)
	f[k] = on
	if k == ConeInner && !on {
		f[ConeEdge] = false
	}
	t.SetFlags(h, f)
}

// FullLen returns the length of the full parameter vector.
func (t *Table) FullLen() int {
	return MaxParams * len(t.entities)
}

// ActiveCount returns the length of the reduced parameter vector.
func (t *Table) ActiveCount() int {
	n := 0
	for _, h := range t.entities {
		n += t.flags[h].Count()
	}
	return n
}

// Reduce copies the active entries of full into a new reduced vector.
func (t *Table) Reduce(full []float64) ([]float64, error) {
	if len(full) != t.FullLen() {
		return nil, &SizeError{Got: len(full), Want: t.FullLen()}
	}
	out := make([]float64, 0, t.ActiveCount())
	for i, h := range t.entities {
		f := t.flags[h]
		for k := 0; k < MaxParams; k++ {
			if f[k] {
				out = append(out, full[Index(i, Kind(k))])
			}
		}
	}
	return out, nil
}

// Expand scatters a reduced vector into a new full vector. Inactive slots
// are zero.
func (t *Table) Expand(reduced []float64) ([]float64, error) {
	if len(reduced) != t.ActiveCount() {
		return nil, &SizeError{Got: len(reduced), Want: t.ActiveCount()}
	}
	full := make([]float64, t.FullLen())
	j := 0
	for i, h := range t.entities {
		f := t.flags[h]
		for k := 0; k < MaxParams; k++ {
			if f[k] {
				full[Index(i, Kind(k))] = reduced[j]
				j++
			}
		}
	}
	return full, nil
}

// ReducedIndex returns the position of parameter k of entity h in the
// reduced vector, or false when it is not active.
func (t *Table) ReducedIndex(h scene.Handle, k Kind) (int, bool) {
	j := 0
	for _, e := range t.entities {
		f := t.flags[e]
		for kk := 0; kk < MaxParams; kk++ {
			if !f[kk] {
				continue
			}
			if e == h && Kind(kk) == k {
				return j, true
			}
			j++
		}
	}
	return 0, false
}

// Labels names every entry of the reduced vector, e.g. "light#0.posX".
func (t *Table) Labels() []string {
	out := make([]string, 0, t.ActiveCount())
	for _, h := range t.entities {
		f := t.flags[h]
		for k := 0; k < MaxParams; k++ {
			if f[k] {
				out = append(out, h.String()+"."+Kind(k).String())
			}
		}
	}
	return out
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		entities: append([]scene.Handle(nil), t.entities...),
		slots:    make(map[scene.Handle]int, len(t.slots)),
		flags:    make(map[scene.Handle]Flags, len(t.flags)),
	}
	for h, i := range t.slots {
		c.slots[h] = i
	}
	for h, f := range t.flags {
		c.flags[h] = f
	}
	return c
}
