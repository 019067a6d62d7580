// Package expr defines the scalar expressions evaluated by Filter and Project
// nodes. Expressions are declared as a tree (typically decoded from a
// topology document), and are compiled against the input Schema of their
// node before use. Compilation checks column references and operand kinds,
// so that evaluation of a conforming row cannot fail.
//
// Evaluation follows relational NULL semantics: arithmetic and comparison
// over a NULL operand yield NULL, AND / OR use three-valued logic, and
// division by zero yields NULL.
package expr

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.tributary.dev/core/row"
)

// Op is an expression operator.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpLt      Op = "lt"
	OpLe      Op = "le"
	OpGt      Op = "gt"
	OpGe      Op = "ge"
	OpAnd     Op = "and"
	OpOr      Op = "or"
	OpNot     Op = "not"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
	OpAdd     Op = "add"
	OpSub     Op = "sub"
	OpMul     Op = "mul"
	OpDiv     Op = "div"
	OpNeg     Op = "neg"
)

// Expr is a node of an expression tree. Exactly one of Col, Lit, or Op is set.
type Expr struct {
	Col  *int     `yaml:"col,omitempty" json:"col,omitempty"`
	Lit  *Literal `yaml:"lit,omitempty" json:"lit,omitempty"`
	Op   Op       `yaml:"op,omitempty" json:"op,omitempty"`
	Args []Expr   `yaml:"args,omitempty" json:"args,omitempty"`
}

// Literal is a constant of an Expr. Value is parsed per Kind, and is
// ignored for KindNull.
type Literal struct {
	Kind  row.Kind `yaml:"kind" json:"kind"`
	Value string   `yaml:"value,omitempty" json:"value,omitempty"`
}

// Col returns an Expr referencing input column |i|.
func Col(i int) Expr { return Expr{Col: &i} }

// ColumnRef returns the input column of an Expr which is a plain column
// reference, or false if the Expr computes its value.
func (e Expr) ColumnRef() (int, bool) {
	if e.Col == nil || e.Lit != nil || e.Op != "" {
		return 0, false
	}
	return *e.Col, true
}

// Lit returns an Expr of the constant Value.
func Lit(v row.Value) Expr {
	var l = &Literal{Kind: v.Kind()}
	if v.Kind() == row.KindBlob {
		l.Value = v.AsText()
	} else if !v.IsNull() {
		l.Value = v.String()
	}
	return Expr{Lit: l}
}

// Call returns an Expr applying |op| to |args|.
func Call(op Op, args ...Expr) Expr { return Expr{Op: op, Args: args} }

// Compiled is an Expr bound to an input Schema.
type Compiled struct {
	// Column describes the output of the expression.
	Column row.Column
	eval   func(row.Row) row.Value
}

// Eval the Compiled expression over a Row of its input Schema.
func (c *Compiled) Eval(r row.Row) row.Value { return c.eval(r) }

// Test evaluates a predicate, returning true only if it evaluates to TRUE.
// NULL and FALSE both fail the predicate.
func (c *Compiled) Test(r row.Row) bool {
	var v = c.eval(r)
	return v.Kind() == row.KindBool && v.AsBool()
}

// Compile the Expr against the input Schema.
func (e Expr) Compile(in row.Schema) (*Compiled, error) {
	switch {
	case e.Col != nil:
		var i = *e.Col
		if i < 0 || i >= len(in) {
			return nil, errors.Errorf("column %d out of range (input has %d columns)", i, len(in))
		}
		return &Compiled{
			Column: in[i],
			eval:   func(r row.Row) row.Value { return r[i] },
		}, nil

	case e.Lit != nil:
		var v, err = e.Lit.value()
		if err != nil {
			return nil, err
		}
		return &Compiled{
			Column: row.Column{Kind: v.Kind(), Nullable: v.IsNull()},
			eval:   func(row.Row) row.Value { return v },
		}, nil

	case e.Op != "":
		var args = make([]*Compiled, len(e.Args))
		for i, a := range e.Args {
			var err error
			if args[i], err = a.Compile(in); err != nil {
				return nil, errors.WithMessagef(err, "%s argument %d", e.Op, i)
			}
		}
		return compileOp(e.Op, args)
	}
	return nil, errors.New("expression must set one of col, lit, or op")
}

func compileOp(op Op, args []*Compiled) (*Compiled, error) {
	var arity = 2
	switch op {
	case OpNot, OpIsNull, OpNotNull, OpNeg:
		arity = 1
	}
	if len(args) != arity {
		return nil, errors.Errorf("%s expects %d arguments (got %d)", op, arity, len(args))
	}
	var nullable bool
	for _, a := range args {
		nullable = nullable || a.Column.Nullable
	}

	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		if !canCompare(args[0].Column.Kind, args[1].Column.Kind) {
			return nil, errors.Errorf("%s of incomparable kinds %v and %v",
				op, args[0].Column.Kind, args[1].Column.Kind)
		}
		var test = comparisons[op]
		return &Compiled{
			Column: row.Column{Kind: row.KindBool, Nullable: nullable},
			eval: func(r row.Row) row.Value {
				var a, b = args[0].eval(r), args[1].eval(r)
				if a.IsNull() || b.IsNull() {
					return row.Null()
				}
				return row.Bool(test(row.Compare(a, b)))
			},
		}, nil

	case OpAnd, OpOr, OpNot:
		for _, a := range args {
			if k := a.Column.Kind; k != row.KindBool && k != row.KindNull {
				return nil, errors.Errorf("%s of non-boolean kind %v", op, k)
			}
		}
		return &Compiled{
			Column: row.Column{Kind: row.KindBool, Nullable: nullable},
			eval:   logical(op, args),
		}, nil

	case OpIsNull, OpNotNull:
		var want = op == OpIsNull
		return &Compiled{
			Column: row.Column{Kind: row.KindBool},
			eval:   func(r row.Row) row.Value { return row.Bool(args[0].eval(r).IsNull() == want) },
		}, nil

	case OpNeg:
		var kind = args[0].Column.Kind
		if !kind.IsNumeric() && kind != row.KindNull {
			return nil, errors.Errorf("neg of non-numeric kind %v", kind)
		}
		return &Compiled{
			Column: args[0].Column,
			eval: func(r row.Row) row.Value {
				return arith(OpSub, kind, zeroOf(kind), args[0].eval(r))
			},
		}, nil

	case OpAdd, OpSub, OpMul, OpDiv:
		var kind, err = promote(args[0].Column.Kind, args[1].Column.Kind)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", op)
		}
		return &Compiled{
			Column: row.Column{Kind: kind, Nullable: nullable || op == OpDiv},
			eval: func(r row.Row) row.Value {
				return arith(op, kind, args[0].eval(r), args[1].eval(r))
			},
		}, nil
	}
	return nil, errors.Errorf("unknown operator %q", op)
}

var comparisons = map[Op]func(int) bool{
	OpEq: func(c int) bool { return c == 0 },
	OpNe: func(c int) bool { return c != 0 },
	OpLt: func(c int) bool { return c < 0 },
	OpLe: func(c int) bool { return c <= 0 },
	OpGt: func(c int) bool { return c > 0 },
	OpGe: func(c int) bool { return c >= 0 },
}

func canCompare(a, b row.Kind) bool {
	return a == b || a == row.KindNull || b == row.KindNull || (a.IsNumeric() && b.IsNumeric())
}

// logical implements three-valued AND, OR, and NOT.
func logical(op Op, args []*Compiled) func(row.Row) row.Value {
	if op == OpNot {
		return func(r row.Row) row.Value {
			var v = args[0].eval(r)
			if v.IsNull() {
				return v
			}
			return row.Bool(!v.AsBool())
		}
	}
	// |dominant| short-circuits the result: FALSE for AND, TRUE for OR.
	var dominant = op == OpOr

	return func(r row.Row) row.Value {
		var sawNull bool
		for _, a := range args {
			var v = a.eval(r)
			if v.IsNull() {
				sawNull = true
			} else if v.AsBool() == dominant {
				return row.Bool(dominant)
			}
		}
		if sawNull {
			return row.Null()
		}
		return row.Bool(!dominant)
	}
}

// promote returns the result Kind of arithmetic over operands of Kinds |a| and |b|.
func promote(a, b row.Kind) (row.Kind, error) {
	if a == row.KindNull {
		a = b
	} else if b == row.KindNull {
		b = a
	}
	switch {
	case !a.IsNumeric() && a != row.KindNull, !b.IsNumeric() && b != row.KindNull:
		return row.KindNull, errors.Errorf("arithmetic over non-numeric kinds %v and %v", a, b)
	case a == row.KindDecimal || b == row.KindDecimal:
		return row.KindDecimal, nil
	case a == row.KindFloat || b == row.KindFloat:
		return row.KindFloat, nil
	case a == row.KindUint && b == row.KindUint:
		return row.KindUint, nil
	case a == row.KindNull:
		return row.KindNull, nil
	}
	return row.KindInt, nil
}

func zeroOf(kind row.Kind) row.Value {
	switch kind {
	case row.KindFloat:
		return row.Float(0)
	case row.KindDecimal:
		return row.Decimal(decimal.Zero)
	case row.KindUint:
		return row.Uint(0)
	}
	return row.Int(0)
}

// arith applies |op| over |a| and |b|, producing a Value of |kind|.
func arith(op Op, kind row.Kind, a, b row.Value) row.Value {
	if a.IsNull() || b.IsNull() {
		return row.Null()
	}
	switch kind {
	case row.KindDecimal:
		var x, y = a.AsDecimal(), b.AsDecimal()
		switch op {
		case OpAdd:
			return row.Decimal(x.Add(y))
		case OpSub:
			return row.Decimal(x.Sub(y))
		case OpMul:
			return row.Decimal(x.Mul(y))
		case OpDiv:
			if y.IsZero() {
				return row.Null()
			}
			return row.Decimal(x.Div(y))
		}
	case row.KindFloat:
		var x, y = a.AsFloat(), b.AsFloat()
		switch op {
		case OpAdd:
			return row.Float(x + y)
		case OpSub:
			return row.Float(x - y)
		case OpMul:
			return row.Float(x * y)
		case OpDiv:
			if y == 0 {
				return row.Null()
			}
			return row.Float(x / y)
		}
	case row.KindUint:
		var x, y = a.AsUint(), b.AsUint()
		switch op {
		case OpAdd:
			return row.Uint(x + y)
		case OpSub:
			return row.Uint(x - y)
		case OpMul:
			return row.Uint(x * y)
		case OpDiv:
			if y == 0 {
				return row.Null()
			}
			return row.Uint(x / y)
		}
	default:
		var x, y = asInt(a), asInt(b)
		switch op {
		case OpAdd:
			return row.Int(x + y)
		case OpSub:
			return row.Int(x - y)
		case OpMul:
			return row.Int(x * y)
		case OpDiv:
			if y == 0 {
				return row.Null()
			}
			return row.Int(x / y)
		}
	}
	return row.Null()
}

func asInt(v row.Value) int64 {
	if v.Kind() == row.KindUint {
		return int64(v.AsUint())
	}
	return v.AsInt()
}

func (l *Literal) value() (row.Value, error) {
	var err error
	switch l.Kind {
	case row.KindNull:
		return row.Null(), nil
	case row.KindBool:
		var b bool
		if b, err = strconv.ParseBool(l.Value); err == nil {
			return row.Bool(b), nil
		}
	case row.KindInt:
		var i int64
		if i, err = strconv.ParseInt(l.Value, 10, 64); err == nil {
			return row.Int(i), nil
		}
	case row.KindUint:
		var u uint64
		if u, err = strconv.ParseUint(l.Value, 10, 64); err == nil {
			return row.Uint(u), nil
		}
	case row.KindFloat:
		var f float64
		if f, err = strconv.ParseFloat(l.Value, 64); err == nil {
			return row.Float(f), nil
		}
	case row.KindDecimal:
		var d decimal.Decimal
		if d, err = decimal.NewFromString(l.Value); err == nil {
			return row.Decimal(d), nil
		}
	case row.KindText:
		return row.Text(l.Value), nil
	case row.KindBlob:
		return row.Blob([]byte(l.Value)), nil
	case row.KindTimestamp:
		var t time.Time
		if t, err = time.Parse(time.RFC3339Nano, l.Value); err == nil {
			return row.Timestamp(t), nil
		}
	default:
		err = errors.Errorf("unsupported kind")
	}
	return row.Null(), errors.WithMessagef(err, "literal %q of kind %v", l.Value, l.Kind)
}
