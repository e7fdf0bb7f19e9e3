package kplugs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func simpleAddModule() *Module {
	return &Module{Body: []Stmt{
		&FuncDef{Name: "add", Args: []string{"x", "y"}, Body: []Stmt{
			&Return{Value: &BinOp{Op: BinAdd, Left: &Name{Ident: "x"}, Right: &Name{Ident: "y"}}},
		}},
	}}
}

// TestBuildImageDeterministic covers spec.md §8's offset-stability
// property: lowering and serializing the same AST twice must yield
// byte-identical images.
func TestBuildImageDeterministic(t *testing.T) {
	sess1 := Open(newFakeDevice(), false)
	funcs1, err := sess1.Compile(simpleAddModule())
	require.NoError(t, err)
	image1, err := funcs1[0].buildImage()
	require.NoError(t, err)

	sess2 := Open(newFakeDevice(), false)
	funcs2, err := sess2.Compile(simpleAddModule())
	require.NoError(t, err)
	image2, err := funcs2[0].buildImage()
	require.NoError(t, err)

	require.Equal(t, image1, image2)
}

// TestBuildImageDenseVariableIDs covers spec.md §4.5's dense, 1-based
// variable-id invariant.
func TestBuildImageDenseVariableIDs(t *testing.T) {
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(simpleAddModule())
	require.NoError(t, err)
	fn := funcs[0]
	require.NoError(t, fn.checkDenseIDs())

	for i, name := range fn.env.order {
		require.Equal(t, uint64(i+1), fn.env.entries[name].ID)
	}
}

// TestBuildImageLength checks the serialized image is exactly
// header + variables + body quartets (8 bytes each word * 4 words)
// plus the string table tail.
func TestBuildImageLength(t *testing.T) {
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(simpleAddModule())
	require.NoError(t, err)
	fn := funcs[0]
	image, err := fn.buildImage()
	require.NoError(t, err)

	quartetBytes := wordSize * 4
	numVars := fn.env.count()
	// header + vars + body (1 RET quartet with a nested ADD expression,
	// which itself occupies 1 quartet) -- i.e. 2 body quartets.
	expectedQuartets := 1 + numVars + 2
	expectedLen := expectedQuartets*quartetBytes + len(fn.strtab.serialize())
	require.Equal(t, expectedLen, len(image))
}

// TestTerminatorLaw covers spec.md §8: every flow block, explored or
// not, ends in a terminating quartet -- RET for the outermost block,
// BLOCKEND for a nested one that falls off the end without an explicit
// return/raise.
func TestTerminatorLaw(t *testing.T) {
	mod := &Module{Body: []Stmt{
		&FuncDef{Name: "f", Args: []string{"x"}, Body: []Stmt{
			&If{
				Test: &Name{Ident: "x"},
				Body: []Stmt{&Pass{}},
			},
		}},
	}}
	sess := Open(newFakeDevice(), false)
	funcs, err := sess.Compile(mod)
	require.NoError(t, err)
	fn := funcs[0]

	ifQ := fn.body[0]
	require.Equal(t, uint(flowIf), ifQ.subop)
	thenBlock := ifQ.w2.nested
	require.Len(t, thenBlock, 1)
	require.Equal(t, uint(flowBlockEnd), thenBlock[0].subop)

	elseBlock := ifQ.w3.nested
	require.Len(t, elseBlock, 1)
	require.Equal(t, uint(flowBlockEnd), elseBlock[0].subop)

	last := fn.body[len(fn.body)-1]
	require.Equal(t, uint(flowRet), last.subop)
}
