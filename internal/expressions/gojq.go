package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rskumar/orderflow/pkg/schema"
)

// GoJQEngine resolves document paths and jq filters. Compiled code is cached.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code

	setOnce sync.Once
	setCode *gojq.Code
	setErr  error
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// PathToJQ converts a "$."-rooted reference path into a jq filter:
// "$" -> ".", "$.a.b" -> ".a.b". Segments that are not plain identifiers are
// quoted, so "$.Job Run.state" becomes `."Job Run".state`.
func PathToJQ(path string) (string, error) {
	if path == "$" {
		return ".", nil
	}
	rest, ok := strings.CutPrefix(path, "$.")
	if !ok || rest == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "path %q must start with \"$.\"", path)
	}
	var b strings.Builder
	for _, seg := range strings.Split(rest, ".") {
		if seg == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "path %q has an empty segment", path)
		}
		b.WriteByte('.')
		if isIdent(seg) {
			b.WriteString(seg)
		} else {
			b.WriteString(`"` + strings.ReplaceAll(seg, `"`, `\"`) + `"`)
		}
	}
	return b.String(), nil
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// ResolvePath reads the value at a "$."-rooted path of doc. A missing field
// resolves to nil.
func (e *GoJQEngine) ResolvePath(ctx context.Context, path string, doc map[string]any) (any, error) {
	filter, err := PathToJQ(path)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, filter, doc)
}

// SetPath returns a copy of doc with value stored at a "$."-rooted path,
// creating intermediate objects. "$" replaces the whole document and value
// must then be an object.
func (e *GoJQEngine) SetPath(ctx context.Context, path string, doc map[string]any, value any) (map[string]any, error) {
	segs, err := pathSegments(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		m, ok := normalize(value).(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot replace document with %T", value)
		}
		return m, nil
	}

	e.setOnce.Do(func() {
		query, err := gojq.Parse("setpath($p; $v)")
		if err != nil {
			e.setErr = err
			return
		}
		e.setCode, e.setErr = gojq.Compile(query, gojq.WithVariables([]string{"$p", "$v"}))
	})
	if e.setErr != nil {
		return nil, e.setErr
	}

	iter := e.setCode.RunWithContext(ctx, normalize(doc), segs, normalize(value))
	out, ok := iter.Next()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "setpath %q produced no output", path)
	}
	if err, isErr := out.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "setpath %q: %s", path, err.Error()).WithCause(err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "setpath %q produced %T", path, out)
	}
	return m, nil
}

func pathSegments(path string) ([]any, error) {
	if path == "$" {
		return []any{}, nil
	}
	if _, err := PathToJQ(path); err != nil {
		return nil, err
	}
	rest := strings.TrimPrefix(path, "$.")
	parts := strings.Split(rest, ".")
	segs := make([]any, len(parts))
	for i, p := range parts {
		segs[i] = p
	}
	return segs, nil
}

// Check parses and compiles expression without running it.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs a jq filter over data. One output is returned as is,
// several are collected into []any and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalize(data))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	// No environment access from definitions.
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = code
	return code, nil
}

// normalize converts Go integer types to float64 as gojq expects.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalize(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
