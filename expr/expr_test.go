package expr

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.tributary.dev/core/row"
	"gopkg.in/yaml.v2"
)

var testSchema = row.Schema{
	{Name: "id", Kind: row.KindInt},
	{Name: "total", Kind: row.KindInt, Nullable: true},
	{Name: "price", Kind: row.KindDecimal},
	{Name: "name", Kind: row.KindText},
	{Name: "ok", Kind: row.KindBool, Nullable: true},
}

func TestComparisonAndNullSemantics(t *testing.T) {
	var gt10 = mustCompile(t, Call(OpGt, Col(1), Lit(row.Int(10))))
	require.Equal(t, row.Column{Kind: row.KindBool, Nullable: true}, gt10.Column)

	require.True(t, gt10.Test(testRow(1, row.Int(11))))
	require.False(t, gt10.Test(testRow(1, row.Int(10))))
	// NULL compares to NULL, which fails the predicate.
	require.True(t, gt10.Eval(testRow(1, row.Null())).IsNull())
	require.False(t, gt10.Test(testRow(1, row.Null())))

	// Predicates agree for a positive and its paired negative, as evaluation
	// depends only on the row.
	var r = testRow(1, row.Int(11))
	require.Equal(t, gt10.Test(r), gt10.Test(append(row.Row(nil), r...)))

	var isNull = mustCompile(t, Call(OpIsNull, Col(1)))
	require.True(t, isNull.Test(testRow(1, row.Null())))
	require.False(t, isNull.Test(testRow(1, row.Int(1))))

	// Numeric kinds compare across kinds.
	var cheap = mustCompile(t, Call(OpLt, Col(2), Lit(row.Int(5))))
	require.True(t, cheap.Test(testRow(1, row.Int(1))))
}

func TestThreeValuedLogic(t *testing.T) {
	var T, F, N = Lit(row.Bool(true)), Lit(row.Bool(false)), Lit(row.Null())

	for _, tc := range []struct {
		e      Expr
		expect row.Value
	}{
		{Call(OpAnd, T, T), row.Bool(true)},
		{Call(OpAnd, T, F), row.Bool(false)},
		{Call(OpAnd, N, F), row.Bool(false)},
		{Call(OpAnd, N, T), row.Null()},
		{Call(OpOr, N, T), row.Bool(true)},
		{Call(OpOr, N, F), row.Null()},
		{Call(OpOr, F, F), row.Bool(false)},
		{Call(OpNot, N), row.Null()},
		{Call(OpNot, F), row.Bool(true)},
	} {
		var c = mustCompile(t, tc.e)
		require.True(t, tc.expect.Equal(c.Eval(nil)), "%#v", tc.e)
	}
}

func TestArithmeticPromotion(t *testing.T) {
	var sum = mustCompile(t, Call(OpAdd, Col(0), Col(1)))
	require.Equal(t, row.Column{Kind: row.KindInt, Nullable: true}, sum.Column)
	require.Equal(t, row.Int(12), sum.Eval(testRow(2, row.Int(10))))
	require.True(t, sum.Eval(testRow(2, row.Null())).IsNull())

	var scaled = mustCompile(t, Call(OpMul, Col(2), Col(0)))
	require.Equal(t, row.KindDecimal, scaled.Column.Kind)
	require.Equal(t, "7.5", scaled.Eval(testRow(3, row.Int(0))).String())

	var ratio = mustCompile(t, Call(OpDiv, Col(0), Lit(row.Float(2))))
	require.Equal(t, row.Column{Kind: row.KindFloat, Nullable: true}, ratio.Column)
	require.Equal(t, row.Float(1.5), ratio.Eval(testRow(3, row.Null())))

	// Division by zero is NULL.
	var byZero = mustCompile(t, Call(OpDiv, Col(0), Lit(row.Int(0))))
	require.True(t, byZero.Eval(testRow(3, row.Null())).IsNull())

	var neg = mustCompile(t, Call(OpNeg, Col(0)))
	require.Equal(t, row.Int(-3), neg.Eval(testRow(3, row.Null())))
}

func TestCompileErrors(t *testing.T) {
	for _, tc := range []struct {
		e   Expr
		err string
	}{
		{Col(9), "column 9 out of range (input has 5 columns)"},
		{Call(OpGt, Col(3), Col(0)), "gt of incomparable kinds text and int"},
		{Call(OpAdd, Col(3), Col(0)), "add: arithmetic over non-numeric kinds text and int"},
		{Call(OpAnd, Col(0), Col(4)), "and of non-boolean kind int"},
		{Call(OpNot, Col(4), Col(4)), "not expects 1 arguments (got 2)"},
		{Call("frob", Col(0), Col(0)), `unknown operator "frob"`},
		{Call(OpEq, Col(0), Expr{}), "eq argument 1: expression must set one of col, lit, or op"},
		{Expr{Lit: &Literal{Kind: row.KindInt, Value: "x"}},
			`literal "x" of kind int: strconv.ParseInt: parsing "x": invalid syntax`},
	} {
		var _, err = tc.e.Compile(testSchema)
		require.EqualError(t, err, tc.err)
	}
}

func TestDecodeFromYAML(t *testing.T) {
	var doc = `
op: and
args:
  - op: ge
    args: [{col: 1}, {lit: {kind: int, value: "100"}}]
  - op: not_null
    args: [{col: 4}]
`
	var e Expr
	require.NoError(t, yaml.Unmarshal([]byte(doc), &e))

	var c = mustCompile(t, e)
	require.True(t, c.Test(row.Row{row.Int(1), row.Int(100), row.Decimal(decimal.Zero), row.Text(""), row.Bool(false)}))
	require.False(t, c.Test(row.Row{row.Int(1), row.Int(100), row.Decimal(decimal.Zero), row.Text(""), row.Null()}))
	require.False(t, c.Test(row.Row{row.Int(1), row.Int(99), row.Decimal(decimal.Zero), row.Text(""), row.Bool(true)}))
}

func mustCompile(t *testing.T, e Expr) *Compiled {
	var c, err = e.Compile(testSchema)
	require.NoError(t, err)
	return c
}

func testRow(id int64, total row.Value) row.Row {
	return row.Row{row.Int(id), total, row.Decimal(decimal.RequireFromString("2.5")), row.Text("n"), row.Null()}
}
