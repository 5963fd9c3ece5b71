package helpers

import (
	"errors"
	"testing"
)

func TestExtractObject(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"fenced":        {in: "```json\n{\"decision\":\"execute\"}\n```", want: `{"decision":"execute"}`},
		"prose":         {in: "Sure! Here is the plan: {\"a\":{\"b\":[1,2]}} hope it helps", want: `{"a":{"b":[1,2]}}`},
		"brace in text": {in: `{"note":"use } carefully","ok":true}`, want: `{"note":"use } carefully","ok":true}`},
		"escaped quote": {in: `{"q":"say \"hi\" {"}`, want: `{"q":"say \"hi\" {"}`},
		"tilde fence":   {in: "~~~\n{\"x\":1}\n~~~", want: `{"x":1}`},
	}
	for name, tc := range cases {
		got, err := ExtractObject(tc.in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", name, got, tc.want)
		}
	}
}

func TestExtractObjectSkipsArrays(t *testing.T) {
	got, err := ExtractObject(`[1,2] then {"k":"v"}`)
	if err != nil || got != `{"k":"v"}` {
		t.Fatalf("got %q err %v", got, err)
	}
	arr, err := ExtractJSON(`[{"text":"a"}]`)
	if err != nil || arr != `[{"text":"a"}]` {
		t.Fatalf("got %q err %v", arr, err)
	}
}

func TestExtractObjectErrors(t *testing.T) {
	for _, in := range []string{"", "no json here", `{"unterminated": true`, `{"a":[1}`} {
		if _, err := ExtractObject(in); !errors.Is(err, ErrNoJSON) {
			t.Fatalf("%q: expected ErrNoJSON, got %v", in, err)
		}
	}
}
