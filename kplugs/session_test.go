package kplugs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFormatHelperCachedPerOwner covers spec.md §8 scenario 5: repeated
// uses of the same format string shape within one function reuse the
// same synthesized helper, keyed by arity on the owning function (see
// DESIGN.md for why this is per-owner rather than per-session).
func TestFormatHelperCachedPerOwner(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "m", Args: []string{"x"}, Body: []Stmt{
			&ExprStmt{Value: &BinOp{Op: BinMod, Left: &Str{Value: "v=%d"}, Right: &Name{Ident: "x"}}},
			&ExprStmt{Value: &BinOp{Op: BinMod, Left: &Str{Value: "v=%d"}, Right: &Name{Ident: "x"}}},
			&Return{},
		}},
	}}
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	fn := funcs[0]

	require.Len(t, fn.SpecialFuncs, 1, "both uses share one arity-2 helper")
	helper, ok := fn.SpecialFuncs["2"]
	require.True(t, ok)
	require.True(t, helper.loaded, "the helper must be loaded eagerly when first synthesized")
}

// TestFormatHelperDistinctOwners covers the other half of scenario 5:
// two different functions each get their own helper instance.
func TestFormatHelperDistinctOwners(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "m1", Args: []string{"x"}, Body: []Stmt{
			&ExprStmt{Value: &BinOp{Op: BinMod, Left: &Str{Value: "v=%d"}, Right: &Name{Ident: "x"}}},
			&Return{},
		}},
		&FuncDef{Name: "m2", Args: []string{"x"}, Body: []Stmt{
			&ExprStmt{Value: &BinOp{Op: BinMod, Left: &Str{Value: "v=%d"}, Right: &Name{Ident: "x"}}},
			&Return{},
		}},
	}}
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	require.Len(t, funcs, 2)

	h1 := funcs[0].SpecialFuncs["2"]
	h2 := funcs[1].SpecialFuncs["2"]
	require.NotNil(t, h1)
	require.NotNil(t, h2)
	require.NotSame(t, h1, h2)
}

// TestFormatHelperRaisesOnSizeMismatch covers spec.md §4.7's "raising a
// known error code on size mismatch" (core.py:654-655's
// `if KERNEL_snprintf(...) != length: raise ERROR_PARAM`): the helper's
// body must compare the real formatting call's result against the
// probed size and raise on mismatch, not just discard it.
func TestFormatHelperRaisesOnSizeMismatch(t *testing.T) {
	sess := Open(newFakeDevice(), false)
	helper, err := sess.buildFormatHelper(2)
	require.NoError(t, err)

	require.Len(t, helper.body, 4, "size-assign, buf-assign, mismatch-check, return")
	ifQ := helper.body[2]
	require.Equal(t, opFlow, ifQ.family)
	require.Equal(t, uint(flowIf), ifQ.subop)

	require.NotNil(t, ifQ.w2.nested)
	require.Len(t, ifQ.w2.nested, 1)
	raiseQ := ifQ.w2.nested[0]
	require.Equal(t, uint(flowThrow), raiseQ.subop)
	require.NotNil(t, raiseQ.w1.nested)
	require.Equal(t, uint64(fstringSizeMismatchError), raiseQ.w1.nested[0].w1.value)

	require.NotNil(t, ifQ.w3.nested)
	require.Len(t, ifQ.w3.nested, 1)
	require.Equal(t, uint(flowBlockEnd), ifQ.w3.nested[0].subop)
}

func TestSessionLoadExecuteUnload(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "f", Body: []Stmt{&Return{Value: &Num{Value: 7}}}},
	}}
	dev := newFakeDevice()
	sess := Open(dev, false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	fn := funcs[0]

	_, err = sess.Execute(fn)
	require.NoError(t, err)
	require.True(t, fn.loaded)
	require.Len(t, sess.loaded, 1)

	require.NoError(t, sess.Unload(fn))
	require.False(t, fn.loaded)
	require.Empty(t, sess.loaded)
}

func TestSessionCloseUnloadsEverythingForGlobalSession(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "a", Body: []Stmt{&Return{}}},
		&FuncDef{Name: "b", Body: []Stmt{&Return{}}},
	}}
	dev := newFakeDevice()
	sess := Open(dev, true)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	for _, fn := range funcs {
		require.NoError(t, sess.Load(fn))
	}

	require.NoError(t, sess.Close())
	require.True(t, dev.closed)
	require.Empty(t, sess.loaded)
	for _, fn := range funcs {
		require.False(t, fn.loaded)
	}
}

func TestSessionCloseUnloadsHelperWithOwner(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "m", Args: []string{"x"}, Body: []Stmt{
			&ExprStmt{Value: &BinOp{Op: BinMod, Left: &Str{Value: "v=%d"}, Right: &Name{Ident: "x"}}},
			&Return{},
		}},
	}}
	dev := newFakeDevice()
	sess := Open(dev, false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	fn := funcs[0]
	helper := fn.SpecialFuncs["2"]
	require.True(t, helper.loaded)

	require.NoError(t, sess.Load(fn))
	require.NoError(t, sess.Close())
	require.False(t, helper.loaded, "closing the owner must also unload its helper")
}
