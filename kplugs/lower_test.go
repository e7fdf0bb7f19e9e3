package kplugs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustCompileOne(t *testing.T, mod *Module) *Function {
	t.Helper()
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	require.Len(t, funcs, 1)
	return funcs[0]
}

// TestModuleConstantReferencedByFunction covers spec.md §8 scenario 1: a
// module constant referenced from within a function body lowers to an
// EXP_WORD quartet holding the constant's value, never a variable reference.
func TestModuleConstantReferencedByFunction(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&Assign{Targets: []Expr{&Name{Ident: "LIMIT"}}, Value: &Num{Value: 42}},
		&FuncDef{Name: "f", Body: []Stmt{
			&Return{Value: &Name{Ident: "LIMIT"}},
		}},
	}}
	fn := mustCompileOne(t, mod)
	require.Len(t, fn.body, 1)
	ret := fn.body[0]
	require.Equal(t, opFlow, ret.family)
	require.Equal(t, uint(flowRet), ret.subop)
	require.Len(t, ret.w1.nested, 1)
	require.Equal(t, expWord, expKind(ret.w1.nested[0].subop))
	require.Equal(t, uint64(42), ret.w1.nested[0].w1.value)
}

// TestParallelAssignSwap covers spec.md §8's swap scenario: (a, b) = (b, a)
// must actually exchange values, which requires staging through temporaries.
func TestParallelAssignSwap(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "f", Args: []string{"a", "b"}, Body: []Stmt{
			&Assign{Targets: []Expr{&Tuple{Elts: []Expr{&Name{Ident: "a"}, &Name{Ident: "b"}}}},
				Value: &Tuple{Elts: []Expr{&Name{Ident: "b"}, &Name{Ident: "a"}}}},
			&Return{},
		}},
	}}
	fn := mustCompileOne(t, mod)

	// Expect: tmp0 = b; tmp1 = a; a = tmp0; b = tmp1; return 0
	require.Len(t, fn.body, 5)
	for _, q := range fn.body[:4] {
		require.Equal(t, opFlow, q.family)
		require.Equal(t, uint(flowAssign), q.subop)
	}

	aEntry, ok := fn.env.lookup("a")
	require.True(t, ok)
	bEntry, ok := fn.env.lookup("b")
	require.True(t, ok)

	// The two temporaries must hold each other's original source value,
	// not their own: tmp for `a`'s new value reads `b`, and vice versa.
	tmp0Assign := fn.body[0]
	tmp1Assign := fn.body[1]
	require.Equal(t, bEntry.ID, tmp0Assign.w2.value, "first temp must capture b's value")
	require.Equal(t, aEntry.ID, tmp1Assign.w2.value, "second temp must capture a's value")

	aAssign := fn.body[2]
	bAssign := fn.body[3]
	require.Equal(t, aEntry.ID, aAssign.w1.value)
	require.Equal(t, bEntry.ID, bAssign.w1.value)
}

// TestCallArgumentReversal covers spec.md §8's call-arg-order property:
// an external/KERNEL call's arguments are emitted in reverse source order.
func TestCallArgumentReversal(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&ExprStmt{Value: &Call{Func: &Name{Ident: "VARIABLE_ARGUMENT"}, Args: []Expr{&Str{Value: "KERNELprintf"}}}},
		&FuncDef{Name: "f", Body: []Stmt{
			&ExprStmt{Value: &Call{
				Func: &Name{Ident: "KERNELprintf"},
				Args: []Expr{&Num{Value: 1}, &Num{Value: 2}, &Num{Value: 3}},
			}},
			&Return{},
		}},
	}}
	fn := mustCompileOne(t, mod)

	// body[0] is the assignment sinking the call's result into "_".
	assign := fn.body[0]
	require.Equal(t, opFlow, assign.family)
	require.Equal(t, uint(flowAssign), assign.subop)
	require.NotNil(t, assign.w2.nested)

	callBlock := assign.w2.nested
	// [0]=CALL_STRING head, [1..3]=args reversed (3,2,1), [4]=CALL_END
	require.Len(t, callBlock, 5)
	require.Equal(t, uint64(3), callBlock[1].w1.value)
	require.Equal(t, uint64(2), callBlock[2].w1.value)
	require.Equal(t, uint64(1), callBlock[3].w1.value)
}

// TestInternalCallArgumentOrderPreserved covers the counterpart property:
// a plain internal call's arguments are NOT reversed.
func TestInternalCallArgumentOrderPreserved(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "g", Args: []string{"x", "y"}, Body: []Stmt{&Return{Value: &Name{Ident: "x"}}}},
		&FuncDef{Name: "f", Body: []Stmt{
			&ExprStmt{Value: &Call{Func: &Name{Ident: "g"}, Args: []Expr{&Num{Value: 1}, &Num{Value: 2}}}},
			&Return{},
		}},
	}}
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	require.Len(t, funcs, 2)

	var f *Function
	for _, fn := range funcs {
		if fn.Name == "f" {
			f = fn
		}
	}
	require.NotNil(t, f)

	assign := f.body[0]
	callBlock := assign.w2.nested
	require.Len(t, callBlock, 4)
	require.Equal(t, uint64(1), callBlock[1].w1.value)
	require.Equal(t, uint64(2), callBlock[2].w1.value)
}

// TestBufferDeclarationAndStringAssignment covers spec.md §8 scenario 3.
func TestBufferDeclarationAndStringAssignment(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "f", Body: []Stmt{
			&ExprStmt{Value: &Call{Func: &Name{Ident: "buffer"}, Args: []Expr{&Name{Ident: "buf"}, &Num{Value: 16}}}},
			&Assign{Targets: []Expr{&Subscript{Value: &Name{Ident: "buf"}, Index: &Num{Value: 0}}}, Value: &Str{Value: "hi"}},
			&Return{},
		}},
	}}
	fn := mustCompileOne(t, mod)
	entry, ok := fn.env.lookup("buf")
	require.True(t, ok)
	require.Equal(t, varBuf, entry.Kind)
	require.Equal(t, uint64(16), entry.Size)

	assignOffset := fn.body[0]
	require.Equal(t, uint(flowAssignOffset), assignOffset.subop)
	require.NotNil(t, assignOffset.w3.nested)
	require.Len(t, assignOffset.w3.nested, 1)
	require.Equal(t, expDeref, expKind(assignOffset.w3.nested[0].subop))
}

// TestTryExceptBindsExceptionVariable covers spec.md §8 scenario 4.
func TestTryExceptBindsExceptionVariable(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "f", Body: []Stmt{
			&TryExcept{
				Body:    []Stmt{&Raise{Value: &Num{Value: 1}}},
				ExcName: "e",
				Handler: []Stmt{&Return{Value: &Name{Ident: "e"}}},
			},
		}},
	}}
	fn := mustCompileOne(t, mod)
	_, ok := fn.env.lookup("e")
	require.True(t, ok)

	tryQ := fn.body[0]
	require.Equal(t, uint(flowTry), tryQ.subop)
	handler := tryQ.w2.nested
	require.Equal(t, uint(flowAssign), handler[0].subop)
	require.NotNil(t, handler[0].w2.nested)
	require.Equal(t, expExceptionVar, expKind(handler[0].w2.nested[0].subop))
}

// TestReservedPrefixRejectedBeforeLowering covers spec.md §8's final
// scenario: a reserved-prefix name is rejected during lowering, before
// any device interaction would occur.
func TestReservedPrefixRejectedBeforeLowering(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "KERNEL_evil", Body: []Stmt{&Return{}}},
	}}
	sess := Open(newFakeDevice(), false)
	_, err := sess.Compile(mod)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ErrReservedName, ce.Kind)
}

// TestStaticFunctionExcludedFromCompileResult covers spec.md §6.4: only
// non-static functions are returned from Compile.
func TestStaticFunctionExcludedFromCompileResult(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&ExprStmt{Value: &Call{Func: &Name{Ident: "STATIC"}, Args: []Expr{&Str{Value: "helper"}}}},
		&FuncDef{Name: "helper", Body: []Stmt{&Return{}}},
		&FuncDef{Name: "main", Body: []Stmt{&Return{}}},
	}}
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	require.Len(t, funcs, 1)
	require.Equal(t, "main", funcs[0].Name)
}

// TestBoolOpRightAssociativeEmission covers spec.md §4.3/§8: `a and b and c`
// folds left-to-right but the LAST-evaluated pair sits at the outermost
// quartet, with the running accumulator as its second operand.
func TestBoolOpRightAssociativeEmission(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "f", Args: []string{"a", "b", "c"}, Body: []Stmt{
			&Return{Value: &BoolOp{Op: BoolAnd, Values: []Expr{
				&Name{Ident: "a"}, &Name{Ident: "b"}, &Name{Ident: "c"},
			}}},
		}},
	}}
	fn := mustCompileOne(t, mod)
	ret := fn.body[0]
	require.NotNil(t, ret.w1.nested)
	outer := ret.w1.nested[0]
	require.Equal(t, expBoolAnd, expKind(outer.subop))

	cEntry, _ := fn.env.lookup("c")
	require.Equal(t, cEntry.ID, outer.w1.value, "the outermost quartet's first operand must be the last value, c")
	require.NotNil(t, outer.w2.nested, "the outermost quartet's second operand must be the folded a-and-b accumulator")
}

// TestPrintFormatSugarUsesTempAndFrees covers core.py:1136-1158's
// `print(fmt % args)` handling: the formatted buffer must be materialized
// into a temp variable, printed with "%s" (never "%d"), and freed with
// FLOW_DYN_FREE right after the printk call.
func TestPrintFormatSugarUsesTempAndFrees(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "f", Args: []string{"x"}, Body: []Stmt{
			&Print{Values: []Expr{
				&BinOp{Op: BinMod, Left: &Str{Value: "v=%d"}, Right: &Name{Ident: "x"}},
			}},
			&Return{},
		}},
	}}
	fn := mustCompileOne(t, mod)

	// body[0]: temp = fstring_helper(...)
	tempAssign := fn.body[0]
	require.Equal(t, opFlow, tempAssign.family)
	require.Equal(t, uint(flowAssign), tempAssign.subop)
	require.NotNil(t, tempAssign.w2.nested, "the helper call result must be assigned into a temp")
	tempID := tempAssign.w1.value

	// body[1]: _ = printk(temp, "%s")
	printkAssign := fn.body[1]
	require.Equal(t, uint(flowAssign), printkAssign.subop)
	require.NotNil(t, printkAssign.w2.nested)
	callBlock := printkAssign.w2.nested
	require.Equal(t, expVar, expKind(callBlock[1].subop), "the print argument must be the forced temp var, not the raw buffer expression")
	require.Equal(t, tempID, callBlock[1].w1.value)
	lastFmt := callBlock[len(callBlock)-2]
	require.Equal(t, expString, expKind(lastFmt.subop))
	require.Equal(t, "%s", fn.strtab.strings[lastFmt.w1.value-1], "the buffer must be printed with %%s, never %%d")

	// body[2]: del temp
	freeQ := fn.body[2]
	require.Equal(t, opFlow, freeQ.family)
	require.Equal(t, uint(flowDynFree), freeQ.subop)
	require.Nil(t, freeQ.w1.nested)
	require.Equal(t, tempID, freeQ.w1.value)
}
