package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBool(t *testing.T) {
	vars := map[string]any{
		"payload": map[string]any{
			"phone":  "13800000000",
			"name":   "Li",
			"score":  float64(72),
			"status": "new",
			"tags":   []any{"vip", "wechat"},
			"address": map[string]any{
				"city": "Shanghai",
			},
		},
		"event": map[string]any{"operation": "create"},
	}

	cases := []struct {
		src  string
		want bool
	}{
		{"payload.phone != null", true},
		{"payload.missing == null", true},
		{"payload.missing != null", false},
		{"phone != null", true},
		{"score >= 50 && status == 'new'", true},
		{"score > 80 OR status = 'new'", true},
		{"NOT (score > 80)", true},
		{"status in ['new', 'contacted']", true},
		{"'vip' in tags", true},
		{"address.city == 'Shanghai'", true},
		{"len(name) == 2", true},
		{"startsWith(phone, '138')", true},
		{"matches(phone, '^1[3-9][0-9]{9}$')", true},
		{"event.operation == 'create'", true},
		{"payload.missing > 3", false},
		{"score + 8 == 80", true},
		{"score % 7 == 2", true},
		{"payload.missing IS NULL", true},
		{"phone IS NOT NULL", true},
		{"lower('ABC') == 'abc'", true},
	}
	for _, tc := range cases {
		p, err := Compile(tc.src)
		require.NoError(t, err, tc.src)
		got, err := p.EvalBool(vars)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}
}

func TestEvalValues(t *testing.T) {
	vars := map[string]any{"payload": map[string]any{"price": float64(10), "qty": 3, "city": "gz"}}

	v, err := MustCompile("price * qty").Eval(vars)
	require.NoError(t, err)
	assert.Equal(t, float64(30), v)

	v, err = MustCompile("concat(upper(city), '-', qty)").Eval(vars)
	require.NoError(t, err)
	assert.Equal(t, "GZ-3", v)

	v, err = MustCompile("coalesce(missing, '', 'fallback')").Eval(vars)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	v, err = MustCompile("round(10 / 3, 2)").Eval(vars)
	require.NoError(t, err)
	assert.Equal(t, 3.33, v)
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"a ==",
		"(a == 1",
		"unknownFn(a)",
		"len(a, b)",
		"'unterminated",
		"a ; b",
		"a..b == 1",
	} {
		_, err := Compile(src)
		assert.Error(t, err, src)
	}
}

func TestEvalErrors(t *testing.T) {
	_, err := MustCompile("1 / 0").Eval(nil)
	assert.Error(t, err)

	_, err = MustCompile("'a' < 1").Eval(nil)
	assert.ErrorIs(t, err, ErrType)
}

func TestNestingLimit(t *testing.T) {
	src := ""
	for i := 0; i < 100; i++ {
		src += "("
	}
	src += "1"
	for i := 0; i < 100; i++ {
		src += ")"
	}
	_, err := Compile(src)
	assert.Error(t, err)
}
