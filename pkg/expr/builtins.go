package expr

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
)

// builtin is a whitelisted function. arity < 0 means variadic.
type builtin struct {
	arity int
	call  func(args []any) (any, error)
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"len":        {1, fnLen},
		"lower":      {1, stringFn(strings.ToLower)},
		"upper":      {1, stringFn(strings.ToUpper)},
		"trim":       {1, stringFn(strings.TrimSpace)},
		"string":     {1, func(a []any) (any, error) { return stringify(a[0]), nil }},
		"number":     {1, fnNumber},
		"contains":   {2, func(a []any) (any, error) { return contains(a[0], a[1]), nil }},
		"startsWith": {2, stringPredicate(strings.HasPrefix)},
		"endsWith":   {2, stringPredicate(strings.HasSuffix)},
		"matches":    {2, fnMatches},
		"coalesce":   {-1, fnCoalesce},
		"concat":     {-1, fnConcat},
		"round":      {-1, fnRound},
		"now":        {0, func([]any) (any, error) { return time.Now().UTC().Format(time.RFC3339), nil }},
	}
}

func stringFn(f func(string) string) func([]any) (any, error) {
	return func(a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		s, ok := a[0].(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string, got %T", ErrType, a[0])
		}
		return f(s), nil
	}
}

func stringPredicate(f func(s, prefix string) bool) func([]any) (any, error) {
	return func(a []any) (any, error) {
		s, ok1 := a[0].(string)
		p, ok2 := a[1].(string)
		return ok1 && ok2 && f(s, p), nil
	}
}

func fnLen(a []any) (any, error) {
	switch v := a[0].(type) {
	case nil:
		return 0.0, nil
	case string:
		return float64(len([]rune(v))), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	}
	return nil, fmt.Errorf("%w: len of %T", ErrType, a[0])
}

func fnNumber(a []any) (any, error) {
	if a[0] == nil {
		return nil, nil
	}
	f, ok := ToNumber(a[0])
	if !ok {
		return nil, fmt.Errorf("cannot convert %v to number", a[0])
	}
	return f, nil
}

var regexCache sync.Map // pattern → *regexp.Regexp

func fnMatches(a []any) (any, error) {
	s, ok := a[0].(string)
	if !ok {
		return false, nil
	}
	pattern, ok := a[1].(string)
	if !ok {
		return nil, fmt.Errorf("%w: pattern must be a string", ErrType)
	}
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(s), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re.MatchString(s), nil
}

func fnCoalesce(a []any) (any, error) {
	for _, v := range a {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return v, nil
	}
	return nil, nil
}

func fnConcat(a []any) (any, error) {
	var sb strings.Builder
	for _, v := range a {
		sb.WriteString(stringify(v))
	}
	return sb.String(), nil
}

func fnRound(a []any) (any, error) {
	if len(a) == 0 || len(a) > 2 {
		return nil, fmt.Errorf("expects 1 or 2 arguments")
	}
	f, ok := toNumber(a[0])
	if !ok {
		return nil, fmt.Errorf("%w: round of %T", ErrType, a[0])
	}
	places := 0.0
	if len(a) == 2 {
		places, _ = toNumber(a[1])
	}
	scale := math.Pow(10, places)
	return math.Round(f*scale) / scale, nil
}
