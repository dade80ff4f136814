package event

// Tag is one tag entry: a name followed by values, e.g. ["e", "<id>"].
type Tag []string

// Name returns the tag name or "".
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first value or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// At returns the value at index i (0 is the name) or "".
func (t Tag) At(i int) string {
	if i < 0 || i >= len(t) {
		return ""
	}
	return t[i]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// Find returns the first tag with the given name.
func (ts Tags) Find(name string) (Tag, bool) {
	for _, t := range ts {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// FindAll returns every tag with the given name, in order.
func (ts Tags) FindAll(name string) Tags {
	var out Tags
	for _, t := range ts {
		if t.Name() == name {
			out = append(out, t)
		}
	}
	return out
}

// Value returns the first value of the first tag named name.
func (ts Tags) Value(name string) string {
	t, _ := ts.Find(name)
	return t.Value()
}

// Has reports whether a tag with the given name exists.
func (ts Tags) Has(name string) bool {
	_, ok := ts.Find(name)
	return ok
}

// HasValue reports whether a tag name/value pair exists.
func (ts Tags) HasValue(name, value string) bool {
	for _, t := range ts {
		if t.Name() == name && t.Value() == value {
			return true
		}
	}
	return false
}

// AppendUnique appends t unless an identical name/value pair is present.
func (ts Tags) AppendUnique(t Tag) Tags {
	if len(t) >= 2 && ts.HasValue(t[0], t[1]) {
		return ts
	}
	return append(ts, t)
}

// Clone returns a deep copy.
func (ts Tags) Clone() Tags {
	if ts == nil {
		return nil
	}
	out := make(Tags, len(ts))
	for i, t := range ts {
		out[i] = append(Tag(nil), t...)
	}
	return out
}
