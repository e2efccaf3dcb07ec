package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestExtract(t *testing.T) {
	body := decode(t, `{
		"choices": [{"text": "first"}, {"text": "hi", "n": 2}],
		"meta": {"ok": true, "ratio": 0.5, "nothing": null},
		"with space": "spaced"
	}`)

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"bracket path", `response["choices"][0]["text"]`, "first"},
		{"dot path", "response.choices[1].text", "hi"},
		{"negative index", "response.choices[-1].text", "hi"},
		{"bool leaf", "response.meta.ok", true},
		{"float leaf", "response.meta.ratio", 0.5},
		{"quoted key", `response["with space"]`, "spaced"},
		{"optional chain hit", "response?.meta?.ratio", 0.5},
		{"whitespace trimmed", "  response.choices[0].text  ", "first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Extract(body, tt.expr)
			require.True(t, r.Found, "expected a value for %s", tt.expr)
			assert.Equal(t, tt.want, r.Value)
		})
	}
}

func TestExtract_ChoicesText(t *testing.T) {
	body := decode(t, `{"choices":[{"text":"hi"}]}`)
	assert.Equal(t, Result{Value: "hi", Found: true}, Extract(body, `response["choices"][0]["text"]`))
	assert.Equal(t, NoValue, Extract(body, "response.bogus.path"))
}

func TestExtract_NullIsAValue(t *testing.T) {
	body := decode(t, `{"meta":{"nothing":null},"list":[null]}`)

	r := Extract(body, "response.meta.nothing")
	assert.Equal(t, Result{Value: nil, Found: true}, r)
	assert.Equal(t, "null", Display(r))

	assert.Equal(t, Result{Value: nil, Found: true}, Extract(body, "response.list[0]"))
	assert.Equal(t, NoValue, Extract(body, "response.meta.other"))
	assert.Equal(t, NoResponse, Display(Extract(body, "response.meta.other")))
}

func TestExtract_IntegerKeyOnObject(t *testing.T) {
	body := decode(t, `{"obj":{"0":"zero","-1":"minus"},"arr":["a","b"]}`)

	assert.Equal(t, Result{Value: "zero", Found: true}, Extract(body, "response.obj[0]"))
	assert.Equal(t, Result{Value: "minus", Found: true}, Extract(body, "response.obj[-1]"))
	assert.Equal(t, Result{Value: "b", Found: true}, Extract(body, `response.arr["1"]`))
	assert.Equal(t, NoValue, Extract(body, `response.arr["-1"]`))
	assert.Equal(t, NoValue, Extract(body, "response.obj[1]"))
}

func TestExtract_Identity(t *testing.T) {
	body := decode(t, `{"a":1}`)
	assert.Equal(t, Result{Value: body, Found: true}, Extract(body, ""))
	assert.Equal(t, Result{Value: "plain", Found: true}, Extract("plain", "response"))
}

func TestExtract_NoValue(t *testing.T) {
	body := decode(t, `{"choices":[{"text":"hi"}],"meta":{"nothing":null}}`)

	for _, expr := range []string{
		"response.bogus.path",
		"response.bogus",
		"response.meta.nothing.deeper",
		"response.choices[5].text",
		"response.choices[-9]",
		"response?.bogus?.path",
		"response.choices.text.deeper",
		"response[",
	} {
		t.Run(expr, func(t *testing.T) {
			assert.Equal(t, NoValue, Extract(body, expr))
		})
	}

	// A string body has no members.
	assert.False(t, Extract("plain text", "response.choices[0]").Found)
}

func TestCompile_RejectsOutsideGrammar(t *testing.T) {
	for _, expr := range []string{
		"len(response)",
		"response.choices[0].text + 'x'",
		"other.value",
		"response[response.idx]",
		"1 + 1",
		`"literal"`,
		"response.choices[0:1]",
		"map(response.choices, .text)",
		"response.choices[0].text == 'hi' ? 1 : 2",
		"-response.n",
		"response.items[1.5]",
		strings.Repeat("response.a", MaxExpressionLen),
	} {
		short := expr
		if len(short) > 40 {
			short = short[:40]
		}
		t.Run(short, func(t *testing.T) {
			_, err := Compile(expr)
			require.Error(t, err)
		})
	}

	_, err := Compile("os.Exit(1)")
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestProgram_Reuse(t *testing.T) {
	p, err := Compile("response.text")
	require.NoError(t, err)
	assert.Equal(t, "response.text", p.String())

	assert.Equal(t, "a", p.Eval(map[string]any{"text": "a"}).Value)
	assert.Equal(t, "b", p.Eval(map[string]any{"text": "b"}).Value)
	assert.False(t, p.Eval(nil).Found)
}

func TestDecodeBody(t *testing.T) {
	v := DecodeBody(`{"a":[1]}`, "json")
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{json.Number("1")}, m["a"])

	assert.Equal(t, "not json", DecodeBody("not json", "json"))
	assert.Equal(t, `{"a":1}`, DecodeBody(`{"a":1}`, "text"))

	obj := map[string]any{"x": 1}
	assert.Equal(t, obj, DecodeBody(obj, "json"))
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		name string
		in   Result
		want string
	}{
		{"sentinel", NoValue, NoResponse},
		{"explicit null", Result{Found: true}, "null"},
		{"string", Result{Value: "hi", Found: true}, "hi"},
		{"number", Result{Value: json.Number("42"), Found: true}, "42"},
		{"float", Result{Value: 1.5, Found: true}, "1.5"},
		{"bool", Result{Value: false, Found: true}, "false"},
		{"object", Result{Value: map[string]any{"a": "<b>"}, Found: true}, "{\n  \"a\": \"<b>\"\n}"},
		{"array", Result{Value: []any{1.0, "x"}, Found: true}, "[\n  1,\n  \"x\"\n]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Display(tt.in))
		})
	}
}
