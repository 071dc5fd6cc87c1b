package viseme

import (
	"fmt"
	"sort"
)

// ID names one of the ten canonical mouth-shape images, "00" through "09".
type ID string

// Fallback is the neutral closed-front consonant shape used for any unit the
// table does not know.
const Fallback ID = "03"

// Sequence is the ordered list of visemes for one utterance.
type Sequence []ID

// All returns the ten canonical ids in ascending order.
func All() []ID {
	ids := make([]ID, 0, 10)
	for i := 0; i < 10; i++ {
		ids = append(ids, ID(fmt.Sprintf("%02d", i)))
	}
	return ids
}

// Valid reports whether id is one of the canonical two-digit codes.
func (id ID) Valid() bool {
	return len(id) == 2 && id[0] == '0' && id[1] >= '0' && id[1] <= '9'
}

// Table maps phonetic units to viseme ids. It is immutable once built and
// safe for concurrent use.
type Table struct {
	entries  map[string]ID
	fallback ID
}

// NewTable copies entries into a new table. Lookups are case-sensitive.
func NewTable(entries map[string]ID, fallback ID) (*Table, error) {
	if !fallback.Valid() {
		return nil, fmt.Errorf("invalid fallback viseme %q", fallback)
	}
	copied := make(map[string]ID, len(entries))
	for unit, id := range entries {
		if unit == "" {
			return nil, fmt.Errorf("empty phonetic unit mapped to %q", id)
		}
		if !id.Valid() {
			return nil, fmt.Errorf("unit %q maps to invalid viseme %q", unit, id)
		}
		copied[unit] = id
	}
	return &Table{entries: copied, fallback: fallback}, nil
}

// DefaultTable returns the built-in table covering pinyin initials and
// upper-cased Latin token initials.
func DefaultTable() *Table {
	t, err := NewTable(defaultEntries(), Fallback)
	if err != nil {
		panic(err)
	}
	return t
}

func defaultEntries() map[string]ID {
	groups := []struct {
		id    ID
		units []string
	}{
		{"00", []string{"b", "p", "m", "B", "P", "M"}},
		{"01", []string{"f", "F", "V"}},
		{"02", []string{"s", "x", "c", "z", "sh", "ch", "q", "zh", "S", "Z", "C", "ʃ", "tʃ", "dʒ"}},
		{"03", []string{"d", "t", "n", "l", "ɜ", "ə", "D", "T", "N", "L", "R"}},
		{"04", []string{"a", "ɑ", "æ", "A"}},
		{"06", []string{"i", "j", "y", "E", "I"}},
		{"07", []string{"ɔ", "o", "O"}},
		{"08", []string{"u", "ʊ", "U"}},
		{"09", []string{"ü", "v"}},
	}
	entries := make(map[string]ID)
	for _, g := range groups {
		for _, u := range g.units {
			entries[u] = g.id
		}
	}
	return entries
}

// Map returns the viseme for unit, or the table fallback when unit is unknown.
func (t *Table) Map(unit string) ID {
	if id, ok := t.entries[unit]; ok {
		return id
	}
	return t.fallback
}

// Lookup is Map without the fallback.
func (t *Table) Lookup(unit string) (ID, bool) {
	id, ok := t.entries[unit]
	return id, ok
}

// Units lists every mapped unit, sorted.
func (t *Table) Units() []string {
	units := make([]string, 0, len(t.entries))
	for u := range t.entries {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}

// Distinct returns the ids of s without repeats, in first-seen order.
func (s Sequence) Distinct() []ID {
	seen := make(map[ID]struct{}, len(s))
	var out []ID
	for _, id := range s {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Strings converts the sequence for logging and wire payloads.
func (s Sequence) Strings() []string {
	out := make([]string, len(s))
	for i, id := range s {
		out[i] = string(id)
	}
	return out
}
