package query

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/alexhholmes/gendb/record"
)

// ErrFilter wraps errors from compiling or evaluating a filter expression.
var ErrFilter = errors.New("filter expression")

// Filter is an arbitrary row predicate evaluated after the access path.
type Filter interface {
	Match(row record.Row) (bool, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(row record.Row) (bool, error)

func (f FilterFunc) Match(row record.Row) (bool, error) {
	return f(row)
}

// celFilter evaluates a CEL expression with each column bound to a variable
// of the same name.
type celFilter struct {
	expr    string
	columns []string
	program cel.Program
}

// CompileFilter builds a Filter from a boolean CEL expression over the
// columns of schema, e.g. `age >= 18 && city.startsWith("o")`. Columns that
// may be null are dynamically typed; a comparison that fails because a
// column is null does not match.
func CompileFilter(schema *record.Schema, expr string) (Filter, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrFilter)
	}

	opts := make([]cel.EnvOption, 0, len(schema.Columns))
	columns := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		columns[i] = c.Name
		opts = append(opts, cel.Variable(c.Name, celType(c)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrFilter, err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrFilter, expr, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q yields %s, not bool", ErrFilter, expr, t)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrFilter, expr, err)
	}
	return &celFilter{expr: expr, columns: columns, program: program}, nil
}

func celType(c record.Column) *cel.Type {
	if !c.NotNull {
		return cel.DynType
	}
	switch c.Type {
	case record.KindInt:
		return cel.IntType
	case record.KindFloat:
		return cel.DoubleType
	case record.KindString:
		return cel.StringType
	case record.KindBinary:
		return cel.BytesType
	case record.KindBool:
		return cel.BoolType
	default:
		return cel.DynType
	}
}

func (f *celFilter) Match(row record.Row) (bool, error) {
	vars := make(map[string]any, len(f.columns))
	hasNull := false
	for i, name := range f.columns {
		vars[name] = row[i].Any()
		hasNull = hasNull || row[i].IsNull()
	}

	out, _, err := f.program.Eval(vars)
	if err != nil {
		if hasNull {
			return false, nil
		}
		return false, fmt.Errorf("%w: %q on %s: %w", ErrFilter, f.expr, row, err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		if hasNull {
			return false, nil
		}
		return false, fmt.Errorf("%w: %q on %s yields %v", ErrFilter, f.expr, row, out.Value())
	}
	return match, nil
}

func (f *celFilter) String() string {
	return f.expr
}
