package event

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSerializeCanonical(t *testing.T) {
	e := Event{PubKey: "ab", CreatedAt: 10, Kind: 5050, Tags: Tags{{"i", "a<b", "text"}}, Content: "x&y"}
	b, err := e.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := `[0,"ab",10,5050,[["i","a<b","text"]],"x&y"]`
	if string(b) != want {
		t.Fatalf("canonical mismatch:\n got %s\nwant %s", b, want)
	}
}

func TestComputeIDStable(t *testing.T) {
	e := Event{PubKey: "ab", CreatedAt: 10, Kind: 1, Content: "hi"}
	id1, err := e.ComputeID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	e.Tags = Tags{}
	id2, _ := e.ComputeID()
	if id1 != id2 || len(id1) != 64 {
		t.Fatalf("nil and empty tags must hash the same: %s vs %s", id1, id2)
	}
	e.ID = id1
	if !e.CheckID() {
		t.Fatalf("CheckID should accept computed id")
	}
	e.Content = "changed"
	if e.CheckID() {
		t.Fatalf("CheckID should reject stale id")
	}
}

func TestEventJSONEmptyTags(t *testing.T) {
	b, err := json.Marshal(Event{ID: "1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"tags":[]`) {
		t.Fatalf("expected empty tags array, got %s", b)
	}
}

func TestFilterMatches(t *testing.T) {
	ev := &Event{ID: "x", PubKey: "p1", Kind: 6050, CreatedAt: 100, Tags: Tags{{"e", "req1"}, {"p", "me"}}}
	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"kind", Filter{Kinds: []int{6050}}, true},
		{"wrong kind", Filter{Kinds: []int{7000}}, false},
		{"tag", Filter{Tags: map[string][]string{"e": {"req1"}}}, true},
		{"wrong tag", Filter{Tags: map[string][]string{"e": {"req2"}}}, false},
		{"author", Filter{Authors: []string{"p2", "p1"}}, true},
		{"wrong author", Filter{Authors: []string{"p2"}}, false},
		{"since", Filter{Since: 100}, true},
		{"too old", Filter{Since: 101}, false},
		{"until", Filter{Until: 99}, false},
	}
	for _, c := range cases {
		if got := c.f.Matches(ev); got != c.want {
			t.Fatalf("%s: got %v want %v", c.name, got, c.want)
		}
	}
}

func TestFilterJSONRoundtrip(t *testing.T) {
	f := Filter{Kinds: []int{6050}, Authors: []string{"p"}, Tags: map[string][]string{"e": {"id1"}}, Since: 5, Limit: 100}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"#e":["id1"]`) {
		t.Fatalf("tag key not rendered: %s", b)
	}
	var out Filter
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Tags["e"][0] != "id1" || out.Kinds[0] != 6050 || out.Since != 5 || out.Limit != 100 {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestResultKind(t *testing.T) {
	if ResultKind(KindTextGeneration) != 6050 {
		t.Fatalf("result kind for 5050 should be 6050")
	}
	if !IsJobRequest(5050) || IsJobRequest(6050) || !IsJobResult(6050) {
		t.Fatalf("kind ranges wrong")
	}
}
