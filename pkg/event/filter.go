package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Filter selects events on a relay. Tag conditions are keyed by the single
// letter tag name and serialize as "#<name>".
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   int64
	Until   int64
	Limit   int
}

// Filters is a disjunction: an event matches if any filter matches.
type Filters []Filter

// Match reports whether any filter matches ev.
func (fs Filters) Match(ev *Event) bool {
	for i := range fs {
		if fs[i].Matches(ev) {
			return true
		}
	}
	return false
}

// Matches reports whether ev satisfies every condition of f. Limit is a
// relay-side cap on stored results and does not affect matching.
func (f *Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}
	for name, want := range f.Tags {
		if len(want) == 0 {
			continue
		}
		found := false
		for _, v := range want {
			if ev.Tags.HasValue(name, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MarshalJSON renders the relay filter object, e.g.
// {"kinds":[6050],"#e":["<id>"],"since":1700000000,"limit":100}.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 6+len(f.Tags))
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for name, vals := range f.Tags {
		if len(vals) > 0 {
			m["#"+name] = vals
		}
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Until > 0 {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses the relay filter object.
func (f *Filter) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for k, v := range raw {
		var err error
		switch {
		case k == "ids":
			err = json.Unmarshal(v, &f.IDs)
		case k == "authors":
			err = json.Unmarshal(v, &f.Authors)
		case k == "kinds":
			err = json.Unmarshal(v, &f.Kinds)
		case k == "since":
			err = json.Unmarshal(v, &f.Since)
		case k == "until":
			err = json.Unmarshal(v, &f.Until)
		case k == "limit":
			err = json.Unmarshal(v, &f.Limit)
		case strings.HasPrefix(k, "#") && len(k) > 1:
			var vals []string
			err = json.Unmarshal(v, &vals)
			if err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[k[1:]] = vals
			}
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", k, err)
		}
	}
	return nil
}

// String is a stable rendering for logs.
func (f Filter) String() string {
	var sb strings.Builder
	sb.WriteString("filter{")
	if len(f.Kinds) > 0 {
		fmt.Fprintf(&sb, "kinds=%v ", f.Kinds)
	}
	if len(f.Authors) > 0 {
		fmt.Fprintf(&sb, "authors=%d ", len(f.Authors))
	}
	names := make([]string, 0, len(f.Tags))
	for n := range f.Tags {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&sb, "#%s=%v ", n, f.Tags[n])
	}
	if f.Since > 0 {
		fmt.Fprintf(&sb, "since=%d ", f.Since)
	}
	if f.Limit > 0 {
		fmt.Fprintf(&sb, "limit=%d", f.Limit)
	}
	return strings.TrimSpace(sb.String()) + "}"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
