package fingerprint

import (
	"testing"

	"github.com/nulpointcorp/reading-gateway/internal/reading"
)

func mustParse(t *testing.T, body string) *reading.Request {
	t.Helper()
	req, err := reading.ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return req
}

func TestBuild_Composition(t *testing.T) {
	req := mustParse(t, `{"method":"coin","primary":{"number":12},"relating":{"number":7},"question":"  Will it work?  "}`)
	got := Build(req, "r1")
	want := "r1|coin|12-7|Will it work?"
	if got != want {
		t.Errorf("Build = %q, want %q", got, want)
	}
}

func TestBuild_TrimsQuestionOnly(t *testing.T) {
	a := mustParse(t, `{"method":"coin","primary":{"number":12},"relating":{"number":7},"question":"Will it work?"}`)
	b := mustParse(t, `{"method":"coin","primary":{"number":12},"relating":{"number":7},"question":"\tWill it work?\n"}`)
	if Build(a, "r1") != Build(b, "r1") {
		t.Error("surrounding whitespace should not change the fingerprint")
	}
}

func TestBuild_CaseSensitive(t *testing.T) {
	a := mustParse(t, `{"method":"coin","question":"will it work?"}`)
	b := mustParse(t, `{"method":"coin","question":"Will it work?"}`)
	if Build(a, "r1") == Build(b, "r1") {
		t.Error("questions differing in case should produce different fingerprints")
	}
}

func TestBuild_MissingFields(t *testing.T) {
	if got := Build(mustParse(t, ``), "r1"); got != "r1||-|" {
		t.Errorf("empty request: got %q", got)
	}
	if got := Build(nil, ""); got != "||-|" {
		t.Errorf("nil request: got %q", got)
	}
}

func TestBuild_VersionChangesKey(t *testing.T) {
	req := mustParse(t, `{"method":"yarrow","question":"q"}`)
	if Build(req, "r1") == Build(req, "r2") {
		t.Error("prompt version must be part of the fingerprint")
	}
}

func TestBuild_IdentifierForms(t *testing.T) {
	a := mustParse(t, `{"primary":{"number":12},"relating":{"number":"7"}}`)
	if got := Build(a, "v"); got != "v||12-7|" {
		t.Errorf("got %q", got)
	}
}

func TestBuild_SeparatorsInFieldsDoNotCollide(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			"separators in method and question",
			`{"method":"coin|12-7","question":"q"}`,
			`{"method":"coin","primary":{"number":12},"relating":{"number":7},"question":"-|q"}`,
		},
		{
			"hyphen moved between identifiers",
			`{"method":"coin","primary":{"number":"1-2"},"question":"q"}`,
			`{"method":"coin","primary":{"number":"1"},"relating":{"number":"2-"},"question":"q"}`,
		},
		{
			"escape character itself",
			`{"method":"a\\","question":"|q"}`,
			`{"method":"a","question":"\\|q"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := Build(mustParse(t, tt.a), "r1"), Build(mustParse(t, tt.b), "r1")
			if a == b {
				t.Errorf("distinct requests share fingerprint %q", a)
			}
		})
	}
}

func TestBuild_EscapesSeparators(t *testing.T) {
	req := mustParse(t, `{"method":"coin","question":"is it well-known? a|b"}`)
	want := `r1|coin|-|is it well\-known? a\|b`
	if got := Build(req, "r1"); got != want {
		t.Errorf("Build = %q, want %q", got, want)
	}
}
