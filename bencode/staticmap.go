package bencode

import (
	"fmt"
	"strings"
)

// StaticMap binds a fixed set of dotted keys to indexed slots. The input
// is read once; recognized keys are routed to their slot and everything
// else is skipped without being materialized.
//
// Key syntax:
//
//	"key"          flat dict entry
//	"group::key"   nested dict entry
//	"key[]"        next positional element of the list at "key"
//	trailing "*"   keep the raw slice instead of materializing
//	"*S" "*L" "*M" raw slice, checked to be a string/list/map
//
// Repeating a "key[]" binds successive list positions, in declaration
// order.
type StaticMap struct {
	slots []slot
	index map[string]int
}

type slot struct {
	name    string
	steps   []step
	raw     bool
	rawKind Kind // KindNone = untyped raw
}

type step struct {
	key   string // dict key when list is false
	index int    // list position when list is true
	list  bool
}

// Field is the landing place for one declared key. A materialized field
// also keeps its source slice in Value.Raw.
type Field struct {
	Present bool
	Value   Value
}

// Fields is the result of one Read, indexed by declaration order.
type Fields []Field

// NewStaticMap compiles the key set. Invalid key syntax panics; the key
// set is static by definition, so a bad key is a programming error.
func NewStaticMap(names ...string) *StaticMap {
	m := &StaticMap{index: make(map[string]int, len(names))}
	// Tracks the next position for each "...key[]" path.
	listPos := make(map[string]int)
	for _, name := range names {
		s := slot{name: name}
		pattern := name
		switch {
		case strings.HasSuffix(pattern, "*S"):
			s.raw, s.rawKind = true, KindString
			pattern = pattern[:len(pattern)-2]
		case strings.HasSuffix(pattern, "*L"):
			s.raw, s.rawKind = true, KindList
			pattern = pattern[:len(pattern)-2]
		case strings.HasSuffix(pattern, "*M"):
			s.raw, s.rawKind = true, KindDict
			pattern = pattern[:len(pattern)-2]
		case strings.HasSuffix(pattern, "*"):
			s.raw = true
			pattern = pattern[:len(pattern)-1]
		}
		if pattern == "" {
			panic(fmt.Sprintf("bencode: empty static map key %q", name))
		}
		prefix := ""
		for _, seg := range strings.Split(pattern, "::") {
			if seg == "" {
				panic(fmt.Sprintf("bencode: empty segment in static map key %q", name))
			}
			isList := strings.HasSuffix(seg, "[]")
			key := strings.TrimSuffix(seg, "[]")
			s.steps = append(s.steps, step{key: key})
			prefix += "::" + key
			if isList {
				n := listPos[prefix]
				listPos[prefix] = n + 1
				s.steps = append(s.steps, step{index: n, list: true})
				prefix += fmt.Sprintf("[%d]", n)
			}
		}
		m.index[name] = len(m.slots)
		m.slots = append(m.slots, s)
	}
	return m
}

// Index returns the slot index for a declared key. Unknown keys panic.
func (m *StaticMap) Index(name string) int {
	i, ok := m.index[name]
	if !ok {
		panic(fmt.Sprintf("bencode: unknown static map key %q", name))
	}
	return i
}

// Get returns the field for a declared key.
func (f Fields) Get(m *StaticMap, name string) Field {
	return f[m.Index(name)]
}

type routePos struct {
	slot int
	seg  int
}

// Read scans data once and fills one field per declared key. It
// short-circuits on the first structural error.
func (m *StaticMap) Read(data []byte) (Fields, error) {
	fields := make(Fields, len(m.slots))
	routes := make([]routePos, len(m.slots))
	for i := range m.slots {
		routes[i] = routePos{slot: i}
	}
	end, err := m.readValue(data, 0, 0, routes, fields)
	if err != nil {
		return nil, err
	}
	if end != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-end)
	}
	return fields, nil
}

// readValue processes one value that the given routes want to descend
// into. Routes whose next step does not match the container shape are
// dead for this input, which is not an error.
func (m *StaticMap) readValue(b []byte, off, depth int, routes []routePos, fields Fields) (int, error) {
	if len(routes) == 0 {
		return skipValue(b, off, depth)
	}
	if off >= len(b) {
		return 0, fmt.Errorf("%w: truncated at %d", ErrMalformed, off)
	}
	switch c := b[off]; {
	case c == 'd':
		if depth+1 >= MaxDepth {
			return 0, ErrDepth
		}
		off++
		for {
			if off >= len(b) {
				return 0, fmt.Errorf("%w: unterminated dict", ErrMalformed)
			}
			if b[off] == 'e' {
				return off + 1, nil
			}
			key, keyEnd, err := decodeString(b, off)
			if err != nil {
				return 0, fmt.Errorf("%w: dict key", ErrMalformed)
			}
			var matched []routePos
			for _, r := range routes {
				st := m.slots[r.slot].steps[r.seg]
				if !st.list && st.key == key {
					matched = append(matched, routePos{slot: r.slot, seg: r.seg + 1})
				}
			}
			end, err := m.matchValue(b, keyEnd, depth+1, matched, fields)
			if err != nil {
				return 0, err
			}
			off = end
		}
	case c == 'l':
		if depth+1 >= MaxDepth {
			return 0, ErrDepth
		}
		off++
		idx := 0
		for {
			if off >= len(b) {
				return 0, fmt.Errorf("%w: unterminated list", ErrMalformed)
			}
			if b[off] == 'e' {
				return off + 1, nil
			}
			var matched []routePos
			for _, r := range routes {
				st := m.slots[r.slot].steps[r.seg]
				if st.list && st.index == idx {
					matched = append(matched, routePos{slot: r.slot, seg: r.seg + 1})
				}
			}
			end, err := m.matchValue(b, off, depth+1, matched, fields)
			if err != nil {
				return 0, err
			}
			off = end
			idx++
		}
	default:
		// Scalar where a container was expected; nothing can match.
		return skipValue(b, off, depth)
	}
}

// matchValue handles one value some routes arrived at: capture it for
// routes that are complete, descend for the rest.
func (m *StaticMap) matchValue(b []byte, off, depth int, routes []routePos, fields Fields) (int, error) {
	var terminal, deeper []routePos
	for _, r := range routes {
		if r.seg == len(m.slots[r.slot].steps) {
			terminal = append(terminal, r)
		} else {
			deeper = append(deeper, r)
		}
	}
	end, err := m.readValue(b, off, depth, deeper, fields)
	if err != nil {
		return 0, err
	}
	if len(terminal) == 0 {
		return end, nil
	}
	raw := RawBencode{B: b[off:end]}
	var decoded *Value
	for _, r := range terminal {
		s := m.slots[r.slot]
		if s.raw {
			if s.rawKind != KindNone && raw.Kind() != s.rawKind {
				return 0, fmt.Errorf("%w: key %q", ErrType, s.name)
			}
			fields[r.slot] = Field{Present: true, Value: Value{Kind: KindRaw, Raw: raw}}
			continue
		}
		if decoded == nil {
			v, _, err := decodeValue(b, off, depth)
			if err != nil {
				return 0, err
			}
			v.Raw = raw
			decoded = &v
		}
		fields[r.slot] = Field{Present: true, Value: *decoded}
	}
	return end, nil
}
