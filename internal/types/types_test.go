package types

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestPrerequisites_Matches(t *testing.T) {
	env := Environment{
		OS:         "darwin",
		Repo:       "api",
		CWD:        "/home/dev/api/cmd",
		MCPServers: []string{"playwright"},
		Tags:       []string{"golang", "web"},
	}

	cases := []struct {
		name   string
		prereq Prerequisites
		want   bool
	}{
		{"empty matches everything", Prerequisites{}, true},
		{"os case-insensitive", Prerequisites{OS: []string{"Darwin"}}, true},
		{"os mismatch", Prerequisites{OS: []string{"linux"}}, false},
		{"repo match", Prerequisites{Repos: []string{"api", "web"}}, true},
		{"repo mismatch", Prerequisites{Repos: []string{"billing"}}, false},
		{"mcp present", Prerequisites{MCPServers: []string{"playwright"}}, true},
		{"mcp missing", Prerequisites{MCPServers: []string{"playwright", "github"}}, false},
		{"path prefix", Prerequisites{Paths: []string{"/home/dev/api"}}, true},
		{"path outside", Prerequisites{Paths: []string{"/srv"}}, false},
		{"all tags present", Prerequisites{Tags: []string{"golang", "web"}}, true},
		{"tag missing", Prerequisites{Tags: []string{"golang", "rust"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.prereq.Matches(env); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPrerequisites_RepoFailsClosed(t *testing.T) {
	// Unknown repo never satisfies a repo prerequisite.
	p := Prerequisites{Repos: []string{"api"}}
	if p.Matches(Environment{Repo: ""}) {
		t.Error("repo prerequisite must fail closed when detection failed")
	}
}

func TestPrerequisites_StructuralMatchesIgnoresTags(t *testing.T) {
	p := Prerequisites{Repos: []string{"api"}, Tags: []string{"rust"}}
	env := Environment{Repo: "api", Tags: []string{"golang"}}

	if p.Matches(env) {
		t.Error("full match must fail on missing tag")
	}
	if !p.StructuralMatches(env) {
		t.Error("structural match must ignore tags")
	}
}

func TestParsePrerequisites(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Prerequisites
	}{
		{"object", `{"repos":["api"],"tags":["golang"]}`, Prerequisites{Repos: []string{"api"}, Tags: []string{"golang"}}},
		{"repo alias", `{"repo":"api"}`, Prerequisites{Repos: []string{"api"}}},
		{"scalar where list expected", `{"tags":"golang"}`, Prerequisites{Tags: []string{"golang"}}},
		{"double-encoded", `"{\"repos\":[\"api\"]}"`, Prerequisites{Repos: []string{"api"}}},
		{"auto pinned flag", `{"auto_pinned":true}`, Prerequisites{AutoPinned: true}},
		{"malformed", `not json`, Prerequisites{}},
		{"wrong shapes", `{"repos":42,"tags":{"a":1}}`, Prerequisites{}},
		{"empty", ``, Prerequisites{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParsePrerequisites([]byte(tc.raw)); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ParsePrerequisites(%q) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestTagSetKey(t *testing.T) {
	if got := TagSetKey([]string{"web", "golang", "web"}); got != "golang,web" {
		t.Errorf("expected sorted unique key, got %q", got)
	}
	if got := TagSetKey(nil); got != "" {
		t.Errorf("expected empty key for no tags, got %q", got)
	}

	if got := SplitTagSetKey("golang,web"); !reflect.DeepEqual(got, []string{"golang", "web"}) {
		t.Errorf("unexpected split %v", got)
	}
	if got := SplitTagSetKey(""); got != nil {
		t.Errorf("expected nil for empty key, got %v", got)
	}
}

func TestSearchResult_MarshalCarriesScore(t *testing.T) {
	data, err := json.Marshal(SearchResult{
		Engram: Engram{ID: 7, Text: "a lesson", Category: "general"},
		Score:  0.0321,
	})
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	if string(fields["id"]) != "7" {
		t.Errorf("expected flattened engram fields, got %s", data)
	}
	if string(fields["score"]) != "0.0321" {
		t.Errorf("expected score on the wire, got %s", data)
	}
	if string(fields["source_sessions"]) != "[]" {
		t.Errorf("expected [] for nil source sessions, got %s", data)
	}

	var decoded SearchResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != 7 || decoded.Score != 0.0321 {
		t.Errorf("round trip lost fields: %+v", decoded)
	}
}

func TestTagRelevance_Evidence(t *testing.T) {
	r := TagRelevance{PositiveEvals: 3, NegativeEvals: 2}
	if r.Evidence() != 5 {
		t.Errorf("expected evidence 5, got %d", r.Evidence())
	}
}
