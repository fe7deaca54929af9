package typeexpr

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Type
	}{
		{"str", Str},
		{"int", Int},
		{" float ", Float},
		{"bool", Bool},
		{"Any", AnyType()},
		{"list[int]", List(Int)},
		{"list [ int ]", List(Int)},
		{"dict[str,int]", Dict(Str, Int)},
		{"dict[ str , list[float] ]", Dict(Str, List(Float))},
		{"list[dict[str,Any]]", List(Dict(Str, AnyType()))},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("Resolve(%q)=%s want %s", tc.in, got, tc.want)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"   ",
		"string",
		"list",
		"list[int",
		"list[int]]",
		"dict[str]",
		"dict[str,int,bool]",
		"int int",
		"List[int]",
		"list[]",
		"dict[,int]",
	}
	for _, in := range bad {
		_, err := Resolve(in)
		if err == nil {
			t.Fatalf("Resolve(%q): expected error", in)
		}
		if !errors.Is(err, ErrInvalidTypeExpression) {
			t.Fatalf("Resolve(%q): error %v does not match ErrInvalidTypeExpression", in, err)
		}
		var ee *ExprError
		if !errors.As(err, &ee) || ee.Text != in {
			t.Fatalf("Resolve(%q): expected *ExprError carrying the input, got %#v", in, err)
		}
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"str",
		"Any",
		"list[ list[ bool ] ]",
		"dict[int , dict[str,Any]]",
		" list[dict[str, list[float]]] ",
	}
	for _, in := range inputs {
		t1, err := Resolve(in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", in, err)
		}
		printed := t1.String()
		if strings.ContainsAny(printed, " \t") {
			t.Fatalf("canonical form %q contains whitespace", printed)
		}
		t2, err := Resolve(printed)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", printed, err)
		}
		if !t1.Equal(t2) {
			t.Fatalf("round trip %q -> %q changed the type", in, printed)
		}
	}
}

func TestParseFields(t *testing.T) {
	t.Parallel()

	fs, err := ParseFields("name:str, tags: list[str], scores:dict[str, int]?, extra, note?:str, id:int!")
	if err != nil {
		t.Fatalf("ParseFields: %v", err)
	}
	want := []Field{
		{Name: "name", Type: Str},
		{Name: "tags", Type: List(Str)},
		{Name: "scores", Type: Dict(Str, Int), Optional: true},
		{Name: "extra", Type: AnyType()},
		{Name: "note", Type: Str, Optional: true},
		{Name: "id", Type: Int},
	}
	if len(fs) != len(want) {
		t.Fatalf("got %d fields, want %d: %v", len(fs), len(want), fs)
	}
	for i := range want {
		if fs[i].Name != want[i].Name || fs[i].Optional != want[i].Optional || !fs[i].Type.Equal(want[i].Type) {
			t.Fatalf("field %d: got %v want %v", i, fs[i], want[i])
		}
	}

	if _, err := ParseFields("a:list[int"); !errors.Is(err, ErrInvalidTypeExpression) {
		t.Fatalf("expected ErrInvalidTypeExpression, got %v", err)
	}
	if _, err := ParseFields("1a:int"); !errors.Is(err, ErrInvalidTypeExpression) {
		t.Fatalf("expected ErrInvalidTypeExpression for bad name, got %v", err)
	}
}

func TestSplitTopLevel(t *testing.T) {
	t.Parallel()

	got := SplitTopLevel("a:dict[str,int], b:list[int] ,, c:{x,y}")
	want := []string{"a:dict[str,int]", "b:list[int]", "c:{x,y}"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q want %q", got, want)
	}
}

func decode(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return v
}

func TestCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ  string
		val  string
		fits bool
	}{
		{"str", `"x"`, true},
		{"str", `1`, false},
		{"int", `3`, true},
		{"int", `3.5`, false},
		{"float", `3`, true},
		{"float", `3.5`, true},
		{"bool", `true`, true},
		{"bool", `"true"`, false},
		{"list[int]", `[1,2,3]`, true},
		{"list[int]", `[1,"2"]`, false},
		{"dict[str,float]", `{"a":1.5}`, true},
		{"dict[int,str]", `{"1":"a"}`, true},
		{"dict[int,str]", `{"x":"a"}`, false},
		{"Any", `null`, true},
		{"list[Any]", `{"a":1}`, false},
	}
	for _, tc := range cases {
		err := Check(MustResolve(tc.typ), decode(t, tc.val))
		if (err == nil) != tc.fits {
			t.Fatalf("Check(%s, %s) = %v, want fits=%v", tc.typ, tc.val, err, tc.fits)
		}
	}
}

func TestValidateObject(t *testing.T) {
	t.Parallel()

	fields, err := ParseFields("text:str, count:int?, tags:list[str]")
	if err != nil {
		t.Fatal(err)
	}
	if v := ValidateObject(fields, decode(t, `{"text":"hi","tags":["a"]}`)); v != nil {
		t.Fatalf("unexpected violations: %v", v)
	}
	v := ValidateObject(fields, decode(t, `{"text":1,"count":"x"}`))
	if len(v) != 3 {
		t.Fatalf("expected 3 violations, got %v", v)
	}
	if v[0].Field != "text" || v[1].Field != "count" || v[2].Field != "tags" || v[2].Reason != "field required" {
		t.Fatalf("unexpected violations: %v", v)
	}
	if v := ValidateObject(fields, "hello"); len(v) != 1 {
		t.Fatalf("expected a single object violation, got %v", v)
	}
}

func TestCoerceValues(t *testing.T) {
	t.Parallel()

	x, err := CoerceValues(Int, []string{"42"})
	if err != nil || x.(int64) != 42 {
		t.Fatalf("int coerce: %v %v", x, err)
	}
	if _, err := CoerceValues(Int, []string{"4x"}); err == nil {
		t.Fatalf("expected error for bad int")
	}
	xs, err := CoerceValues(List(Float), []string{"1.5", "2"})
	if err != nil {
		t.Fatal(err)
	}
	if got := xs.([]any); len(got) != 2 || got[0].(float64) != 1.5 {
		t.Fatalf("list coerce: %v", got)
	}
	d, err := CoerceValues(Dict(Str, Int), []string{`{"a":1}`})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(map[string]any); !ok {
		t.Fatalf("dict coerce returned %T", d)
	}
}
