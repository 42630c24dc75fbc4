package topology

import (
	"sort"

	"github.com/illmade-knight/go-intersection/pkg/transport"
)

// Entry pairs a destination with the Sender connected to it.
type Entry struct {
	Destination Destination
	Sender      transport.Sender
}

// View is an immutable snapshot of the live destination table. A nil *View is
// an empty table.
type View struct {
	ids     []string
	entries map[string]Entry
}

// NewView builds a View. Later entries win when two share an ID.
func NewView(entries []Entry) *View {
	v := &View{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		v.entries[e.Destination.ID()] = e
	}
	v.ids = make([]string, 0, len(v.entries))
	for id := range v.entries {
		v.ids = append(v.ids, id)
	}
	sort.Strings(v.ids)
	return v
}

// Len is the number of live destinations.
func (v *View) Len() int {
	if v == nil {
		return 0
	}
	return len(v.ids)
}

// IDs returns the destination ids in sorted order. The slice must not be
// modified.
func (v *View) IDs() []string {
	if v == nil {
		return nil
	}
	return v.ids
}

// Sender returns the Sender for a destination id.
func (v *View) Sender(id string) (transport.Sender, bool) {
	e, ok := v.entry(id)
	return e.Sender, ok
}

// Destination returns the descriptor for a destination id.
func (v *View) Destination(id string) (Destination, bool) {
	e, ok := v.entry(id)
	return e.Destination, ok
}

func (v *View) entry(id string) (Entry, bool) {
	if v == nil {
		return Entry{}, false
	}
	e, ok := v.entries[id]
	return e, ok
}
