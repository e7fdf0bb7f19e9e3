package kplugs

// The lowerer never knows the final quartet offset of a nested block (an
// if/while/try body, a call's argument chain) until the whole function has
// been walked, so it builds an intermediate tree instead of final quartets:
// an operand is either an immediate value or a reference to a nested
// pendingBlock, and offsets.go's resolver walks that tree exactly once,
// replacing each nested reference with the block's eventual absolute
// offset. Grounded on core.py's _get_flow/_get_exp, which build nested
// Python dicts/lists for exactly this reason, resolved later by
// _order_blocks.
//
// Unlike core.py (which distinguishes a single quartet "dict" block from a
// multi-quartet "list" block), a pendingBlock here is always a slice --
// length 1 plays the role of core.py's dict, length >1 its list. The two
// need different treatment only when a block is spliced as one element of
// a flat quartet sequence (see exprResult.asListElement below); as the
// target of a plain operand field, a block of either length resolves the
// same way.
type operand struct {
	nested pendingBlock
	value  uint64
}

func valueOp(v uint64) operand  { return operand{value: v} }
func zeroOp() operand           { return operand{} }
func nestedOp(b pendingBlock) operand { return operand{nested: b} }

// pendingQuartet mirrors quartet but its operand fields are not yet
// resolved to absolute offsets.
type pendingQuartet struct {
	family opFamily
	subop  uint
	flag   bool
	w1, w2, w3 operand
}

type pendingBlock []pendingQuartet

func pendingFlow(kind flowKind, v1, v2, v3 operand) pendingQuartet {
	return pendingQuartet{family: opFlow, subop: uint(kind), w1: v1, w2: v2, w3: v3}
}

func pendingExpr(kind expKind, v1, v2 operand) pendingQuartet {
	return pendingQuartet{family: opExpression, subop: uint(kind), w1: v1, w2: v2}
}

// exprResult is what lowering an expression produces: either a bare
// immediate value (the EXP_VAR optimization, core.py's "not force" path,
// where a variable reference is substituted directly rather than via its
// own quartet) or a block of one or more pending quartets.
type exprResult struct {
	isBareValue bool
	bareValue   uint64
	block       pendingBlock
}

func bareValue(v uint64) exprResult { return exprResult{isBareValue: true, bareValue: v} }

func singleExpr(q pendingQuartet) exprResult { return exprResult{block: pendingBlock{q}} }

func blockExpr(qs []pendingQuartet) exprResult { return exprResult{block: pendingBlock(qs)} }

// asOperand places the result into a scalar quartet field (w1/w2/w3): a
// bare value is inlined, anything else is referenced as a nested block
// regardless of its length.
func (r exprResult) asOperand() operand {
	if r.isBareValue {
		return valueOp(r.bareValue)
	}
	return nestedOp(r.block)
}

// asListElement places the result as one element of a flat quartet
// sequence (a call's argument chain). Every element of such a sequence
// must itself be a single quartet, so a multi-quartet result (a nested
// call chain) is wrapped in an EXP_EXP marker quartet referencing it.
// Mirrors core.py's "if type(val) == list: val = _get_exp(EXP_EXP, val)".
func (r exprResult) asListElement() pendingQuartet {
	if r.isBareValue {
		// A bare variable id becomes its own EXP_VAR quartet. Call-argument
		// lowering forces Name operands up front; print lowering
		// (visitPrintValue) hands bare values here directly.
		return pendingExpr(expVar, valueOp(r.bareValue), zeroOp())
	}
	if len(r.block) == 1 {
		return r.block[0]
	}
	return pendingExpr(expExp, nestedOp(r.block), zeroOp())
}

func isStringExpr(r exprResult) bool {
	if r.isBareValue || len(r.block) != 1 {
		return false
	}
	q := r.block[0]
	return q.family == opExpression && expKind(q.subop) == expString
}
