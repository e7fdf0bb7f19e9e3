package kplugs

import "strings"

// moduleState holds the module-scope bookkeeping that persists across
// function definitions within one compile (spec.md §3 "Module state"):
// the constant table and the three marker-expression name sets.
type moduleState struct {
	consts      map[string]int64
	varArgFuncs map[string]bool
	anonFuncs   map[string]bool
	staticFuncs map[string]bool
}

func newModuleState() *moduleState {
	return &moduleState{
		consts:      make(map[string]int64),
		varArgFuncs: make(map[string]bool),
		anonFuncs:   make(map[string]bool),
		staticFuncs: make(map[string]bool),
	}
}

// lowerModule walks a Module's top-level statements, the only four legal
// forms being a constant assignment, one of the three marker macros, a
// function definition, or an error (spec.md §4.3 "Module-level nodes").
func lowerModule(mod *Module, mstate *moduleState, session *Session) ([]*Function, error) {
	var funcs []*Function
	for _, stmt := range mod.Body {
		switch s := stmt.(type) {
		case *Assign:
			if s.IsAug {
				return nil, compileErrf(ErrNonFunctionCode, "augmented assignment is not legal at module scope")
			}
			name, ok := s.Targets[0].(*Name)
			num, ok2 := s.Value.(*Num)
			if !ok || !ok2 {
				return nil, compileErrf(ErrNonFunctionCode, "only `name = integer` is legal at module scope")
			}
			if _, exists := mstate.consts[name.Ident]; exists {
				return nil, compileErrf(ErrConstantRedefinition, "%q is already a constant", name.Ident)
			}
			if err := validateName(name.Ident); err != nil {
				return nil, err
			}
			mstate.consts[name.Ident] = num.Value

		case *ExprStmt:
			call, ok := s.Value.(*Call)
			if !ok {
				return nil, compileErrf(ErrNonFunctionCode, "unsupported module-level expression")
			}
			fn, ok := call.Func.(*Name)
			if !ok {
				return nil, compileErrf(ErrNonFunctionCode, "unsupported module-level expression")
			}
			set, isMarker := markerSet(mstate, fn.Ident)
			if !isMarker {
				return nil, compileErrf(ErrNonFunctionCode, "unsupported module-level call %q", fn.Ident)
			}
			if len(call.Args) != 1 {
				return nil, compileErrf(ErrNonFunctionCode, "%s takes exactly one argument", fn.Ident)
			}
			str, ok := call.Args[0].(*Str)
			if !ok {
				return nil, compileErrf(ErrNonFunctionCode, "%s's argument must be a string literal", fn.Ident)
			}
			set[str.Value] = true

		case *FuncDef:
			fn, err := lowerFunction(s, mstate, session)
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, fn)

		default:
			return nil, compileErrf(ErrNonFunctionCode, "unsupported module-level statement %T", stmt)
		}
	}
	return funcs, nil
}

func markerSet(mstate *moduleState, name string) (map[string]bool, bool) {
	switch name {
	case "VARIABLE_ARGUMENT":
		return mstate.varArgFuncs, true
	case "ANONYMOUS":
		return mstate.anonFuncs, true
	case "STATIC":
		return mstate.staticFuncs, true
	default:
		return nil, false
	}
}

// varKindFromKeyword reports whether name is one of the four declaration
// keywords and which kind it declares.
func varKindFromKeyword(name string) (varKind, bool) {
	switch name {
	case "word":
		return varWord, true
	case "pointer":
		return varPtr, true
	case "buffer":
		return varBuf, true
	case "array":
		return varArray, true
	default:
		return 0, false
	}
}

// funcCtx is the per-function lowering context (spec.md §4.3: "stateful
// only within a function"). frames is the flow-frame stack; blockStopped
// is the design notes' "per-frame boolean... not exceptions for control
// flow".
type funcCtx struct {
	mod     *moduleState
	session *Session
	fn      *Function
	env     *symbolEnv
	strtab  *stringTable

	frames       []pendingBlock
	blockStopped bool
	tempCounter  int
}

func (c *funcCtx) pushFrame() {
	c.frames = append(c.frames, pendingBlock{})
}

func (c *funcCtx) emit(q pendingQuartet) {
	last := len(c.frames) - 1
	c.frames[last] = append(c.frames[last], q)
}

// popFrame closes the current frame, appending RET (outermost) or
// BLOCKEND (nested) when the frame was not already terminated, then
// resets blockStopped -- spec.md §4.3's terminator law.
func (c *funcCtx) popFrame(outermost bool) pendingBlock {
	last := len(c.frames) - 1
	frame := c.frames[last]
	if !c.blockStopped {
		if outermost {
			frame = append(frame, pendingFlow(flowRet, nestedOp(pendingBlock{pendingExpr(expWord, valueOp(0), zeroOp())}), zeroOp(), zeroOp()))
		} else {
			frame = append(frame, pendingFlow(flowBlockEnd, zeroOp(), zeroOp(), zeroOp()))
		}
	}
	c.blockStopped = false
	c.frames = c.frames[:last]
	return frame
}

func (c *funcCtx) newTemp() string {
	c.tempCounter++
	return tempVarPrefix + itoa(c.tempCounter)
}

// tempVarPrefix starts with a byte no source identifier can (spec.md
// §3's symbol-environment invariant (iv)).
const tempVarPrefix = "$tmp"

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// lowerFunction compiles one function definition (spec.md §4.3 "Function
// definition").
func lowerFunction(fd *FuncDef, mstate *moduleState, session *Session) (*Function, error) {
	if err := validateName(fd.Name); err != nil {
		return nil, err
	}

	fn := newFunction(fd.Name, mstate.anonFuncs[fd.Name])
	fn.Static = mstate.staticFuncs[fd.Name]
	if mstate.varArgFuncs[fd.Name] {
		fn.functionType |= uint64(funcVariableArgument)
	}

	for _, arg := range fd.Args {
		if _, err := fn.env.declareArg(arg); err != nil {
			return nil, err
		}
	}

	fn.maxArgs = uint64(len(fd.Args))
	fn.minArgs = fn.maxArgs - uint64(len(fd.Defaults))

	firstDefault := len(fd.Args) - len(fd.Defaults)
	for i, def := range fd.Defaults {
		argName := fd.Args[firstDefault+i]
		val, err := defaultLiteralValue(def, mstate)
		if err != nil {
			return nil, err
		}
		entry, _ := fn.env.lookup(argName)
		entry.Init = val
	}

	ctx := &funcCtx{mod: mstate, session: session, fn: fn, env: fn.env, strtab: fn.strtab}
	ctx.pushFrame()
	for _, st := range fd.Body {
		if err := ctx.visitStmt(st); err != nil {
			return nil, err
		}
		if ctx.blockStopped {
			break
		}
	}
	fn.body = ctx.popFrame(true)
	return fn, nil
}

// defaultLiteralValue resolves an argument default, which must be an
// integer literal or a reference to a module constant (spec.md §4.3);
// anything else fails with BadDefault. This also resolves the spec's
// open question about an unreachable `values` branch in the original:
// we treat a non-literal, non-constant default as BadDefault rather than
// guessing at undocumented behavior (see DESIGN.md).
func defaultLiteralValue(def Expr, mstate *moduleState) (uint64, error) {
	switch d := def.(type) {
	case *Num:
		return uint64(d.Value), nil
	case *Name:
		if v, ok := mstate.consts[d.Ident]; ok {
			return uint64(v), nil
		}
	}
	return 0, compileErrf(ErrBadDefault, "default value must be an integer literal or a constant reference")
}

// ---- statement lowering ----

func (c *funcCtx) visitStmt(s Stmt) error {
	switch n := s.(type) {
	case *Assign:
		return c.visitAssign(n)
	case *ExprStmt:
		return c.visitExprStmt(n)
	case *If:
		return c.visitIf(n)
	case *While:
		return c.visitWhile(n)
	case *TryExcept:
		return c.visitTryExcept(n)
	case *Pass:
		return nil
	case *Return:
		return c.visitReturn(n)
	case *Raise:
		return c.visitRaise(n)
	case *Del:
		return c.visitDel(n)
	case *Print:
		return c.visitPrint(n)
	case *FuncDef:
		return compileErrf(ErrNestedFunction, "nested function definitions are not supported: %q", n.Name)
	default:
		return compileErrf(ErrUnsupportedSyntax, "unsupported statement %T", s)
	}
}

func (c *funcCtx) visitExprStmt(n *ExprStmt) error {
	if call, ok := n.Value.(*Call); ok {
		if callee, ok2 := call.Func.(*Name); ok2 {
			if kind, isDecl := varKindFromKeyword(callee.Ident); isDecl {
				return c.declareFromCall(callee.Ident, kind, call.Args)
			}
		}
	}
	value, err := c.visitExpr(n.Value, false)
	if err != nil {
		return err
	}
	entry, err := c.env.touch("_")
	if err != nil {
		return err
	}
	c.emit(pendingFlow(flowAssign, valueOp(entry.ID), value.asOperand(), zeroOp()))
	return nil
}

// declareFromCall handles the "declaration as call" and "special forms in
// statement position" rules (spec.md §4.3): word(name[,init]),
// pointer(name[,init]), buffer(name,size[,init,flags]),
// array(name,n[,init,flags]).
func (c *funcCtx) declareFromCall(keyword string, kind varKind, args []Expr) error {
	if len(args) == 0 {
		return compileErrf(ErrBadDeclaration, "%s requires a variable name", keyword)
	}
	nameNode, ok := args[0].(*Name)
	if !ok {
		return compileErrf(ErrBadDeclaration, "%s's first argument must be a name", keyword)
	}
	if existing, exists := c.env.lookup(nameNode.Ident); exists && existing.Kind != varUndef {
		return compileErrf(ErrBadDeclaration, "variable %q already exists", nameNode.Ident)
	}
	size, init, flags, err := c.parseDeclArgs(keyword, kind, args[1:])
	if err != nil {
		return err
	}
	_, err = c.env.declare(c.mod.consts, nameNode.Ident, kind, size, init, flags)
	return err
}

// parseDeclArgs parses the trailing arguments of a declaration form.
// word/pointer: at most one argument, the initial value. buffer: size
// (multiplied by nothing -- it's already a byte count), optional init,
// optional flags. array: size (multiplied by the word size), optional
// init, optional flags. Every argument must be an integer literal or a
// constant reference (BadDeclaration otherwise).
func (c *funcCtx) parseDeclArgs(keyword string, kind varKind, args []Expr) (size, init, flags uint64, err error) {
	lits := make([]uint64, len(args))
	for i, a := range args {
		v, e := c.literalOrConst(a)
		if e != nil {
			return 0, 0, 0, compileErrf(ErrBadDeclaration, "%s's arguments must be integer literals or constants", keyword)
		}
		lits[i] = v
	}

	switch kind {
	case varWord, varPtr:
		size = wordSize
		if len(lits) > 1 {
			return 0, 0, 0, compileErrf(ErrBadDeclaration, "%s accepts at most one argument", keyword)
		}
		if len(lits) == 1 {
			init = lits[0]
		}
		return size, init, 0, nil
	case varBuf, varArray:
		if len(lits) < 1 || len(lits) > 3 {
			return 0, 0, 0, compileErrf(ErrBadDeclaration, "%s requires a size and at most two more arguments", keyword)
		}
		size = lits[0]
		if kind == varArray {
			size *= wordSize
		}
		if len(lits) > 1 {
			init = lits[1]
		}
		if len(lits) > 2 {
			flags = lits[2]
		}
		return size, init, flags, nil
	}
	return 0, 0, 0, compileErrf(ErrBadDeclaration, "unsupported declaration kind")
}

func (c *funcCtx) literalOrConst(e Expr) (uint64, error) {
	switch n := e.(type) {
	case *Num:
		return uint64(n.Value), nil
	case *Name:
		if v, ok := c.mod.consts[n.Ident]; ok {
			return uint64(v), nil
		}
	}
	return 0, compileErrf(ErrBadDeclaration, "expected an integer literal or constant reference")
}

func (c *funcCtx) visitAssign(n *Assign) error {
	if n.IsAug {
		target := n.Targets[0]
		cur, err := c.visitExpr(target, false)
		if err != nil {
			return err
		}
		rhs, err := c.visitExpr(n.Value, false)
		if err != nil {
			return err
		}
		combined := singleExpr(pendingExpr(binOpKind(n.AugOp), cur.asOperand(), rhs.asOperand()))
		return c.assignExplored(target, combined)
	}

	target := n.Targets[0]
	switch t := target.(type) {
	case *Tuple:
		return c.parallelAssign(t.Elts, n.Value)
	case *List:
		return c.parallelAssign(t.Elts, n.Value)
	default:
		return c.assignValueNode(target, n.Value)
	}
}

func eltsOf(e Expr) ([]Expr, bool) {
	switch v := e.(type) {
	case *Tuple:
		return v.Elts, true
	case *List:
		return v.Elts, true
	default:
		return nil, false
	}
}

// parallelAssign lowers `(a, b, ...) = (x, y, ...)` by copying every RHS
// element to a fresh temporary first, then each temporary to its target,
// so that e.g. `(a, b) = (b, a)` truly swaps (spec.md §8).
func (c *funcCtx) parallelAssign(targets []Expr, valueNode Expr) error {
	values, ok := eltsOf(valueNode)
	if !ok {
		return compileErrf(ErrUnsupportedSyntax, "parallel assignment requires a tuple or list value")
	}
	if len(values) != len(targets) {
		return compileErrf(ErrUnsupportedSyntax, "parallel assignment target/value count mismatch")
	}

	temps := make([]string, len(values))
	for i, v := range values {
		res, err := c.visitExpr(v, false)
		if err != nil {
			return err
		}
		temps[i] = c.newTemp()
		entry, err := c.env.touch(temps[i])
		if err != nil {
			return err
		}
		c.emit(pendingFlow(flowAssign, valueOp(entry.ID), res.asOperand(), zeroOp()))
	}
	for i, t := range targets {
		entry, _ := c.env.lookup(temps[i])
		if err := c.assignExplored(t, singleExpr(pendingExpr(expVar, valueOp(entry.ID), zeroOp()))); err != nil {
			return err
		}
	}
	return nil
}

// assignValueNode handles a single (non-tuple, non-aug) assignment,
// including the "declaration as call" special case (spec.md §4.3
// "Declaration as call").
func (c *funcCtx) assignValueNode(target Expr, valueNode Expr) error {
	if call, ok := valueNode.(*Call); ok {
		if callee, ok2 := call.Func.(*Name); ok2 {
			if kind, isDecl := varKindFromKeyword(callee.Ident); isDecl {
				nameNode, ok3 := target.(*Name)
				if !ok3 {
					return compileErrf(ErrNotAssignable, "declaration target must be a name")
				}
				if existing, exists := c.env.lookup(nameNode.Ident); exists && existing.Kind != varUndef {
					return compileErrf(ErrBadDeclaration, "variable %q already exists", nameNode.Ident)
				}
				size, init, flags, err := c.parseDeclArgs(callee.Ident, kind, call.Args)
				if err != nil {
					return err
				}
				_, err = c.env.declare(c.mod.consts, nameNode.Ident, kind, size, init, flags)
				return err
			}
		}
	}

	value, err := c.visitExpr(valueNode, false)
	if err != nil {
		return err
	}
	return c.assignExplored(target, value)
}

// assignExplored stores an already-lowered value into target. Used both
// for the common case and for contexts where the value was computed
// separately (augmented assignment, parallel-assign temporaries).
func (c *funcCtx) assignExplored(target Expr, value exprResult) error {
	switch t := target.(type) {
	case *Name:
		if _, isConst := c.mod.consts[t.Ident]; isConst {
			return compileErrf(ErrConstantRedefinition, "cannot assign to constant %q", t.Ident)
		}
		if entry, ok := c.env.lookup(t.Ident); ok && (entry.Kind == varBuf || entry.Kind == varArray) {
			return compileErrf(ErrNotAssignable, "cannot assign to %s %q", entry.Kind, t.Ident)
		}
		entry, err := c.env.touch(t.Ident)
		if err != nil {
			return err
		}
		c.emit(pendingFlow(flowAssign, valueOp(entry.ID), value.asOperand(), zeroOp()))
		return nil

	case *Subscript:
		nameNode, ok := t.Value.(*Name)
		if !ok {
			return compileErrf(ErrNotAssignable, "unsupported assignment target")
		}
		entry, err := c.env.resolve(nameNode.Ident)
		if err != nil {
			return err
		}
		if entry.Kind == varWord {
			return compileErrf(ErrNotAssignable, "%q cannot be used as a pointer", nameNode.Ident)
		}
		idx, err := c.visitExpr(t.Index, false)
		if err != nil {
			return err
		}
		if (entry.Kind == varBuf || entry.Kind == varPtr) && isStringExpr(value) {
			value = singleExpr(pendingExpr(expDeref, value.asOperand(), valueOp(1)))
		}
		c.emit(pendingFlow(flowAssignOffset, valueOp(entry.ID), idx.asOperand(), value.asOperand()))
		return nil

	default:
		return compileErrf(ErrNotAssignable, "unsupported assignment target %T", target)
	}
}

func binOpKind(op BinOpKind) expKind {
	switch op {
	case BinAdd:
		return expAdd
	case BinSub:
		return expSub
	case BinMul:
		return expMul
	case BinDiv:
		return expDiv
	case BinMod:
		return expMod
	case BinBitAnd:
		return expAnd
	case BinBitOr:
		return expOr
	default:
		return expAdd
	}
}

func (c *funcCtx) visitIf(n *If) error {
	test, err := c.visitExpr(n.Test, false)
	if err != nil {
		return err
	}
	c.pushFrame()
	for _, st := range n.Body {
		if err := c.visitStmt(st); err != nil {
			return err
		}
		if c.blockStopped {
			break
		}
	}
	body := c.popFrame(false)

	c.pushFrame()
	for _, st := range n.Else {
		if err := c.visitStmt(st); err != nil {
			return err
		}
		if c.blockStopped {
			break
		}
	}
	elseBlock := c.popFrame(false)

	c.emit(pendingFlow(flowIf, test.asOperand(), nestedOp(body), nestedOp(elseBlock)))
	return nil
}

func (c *funcCtx) visitWhile(n *While) error {
	test, err := c.visitExpr(n.Test, false)
	if err != nil {
		return err
	}
	c.pushFrame()
	for _, st := range n.Body {
		if err := c.visitStmt(st); err != nil {
			return err
		}
		if c.blockStopped {
			break
		}
	}
	body := c.popFrame(false)
	c.emit(pendingFlow(flowWhile, test.asOperand(), nestedOp(body), zeroOp()))
	return nil
}

// visitTryExcept lowers try/except with exactly one handler (spec.md
// §4.3); more than one handler is rejected upstream by the AST shape
// itself (TryExcept holds a single Handler list), so the only additional
// check here is the handler's optional bound-name typing.
func (c *funcCtx) visitTryExcept(n *TryExcept) error {
	c.pushFrame()
	for _, st := range n.Body {
		if err := c.visitStmt(st); err != nil {
			return err
		}
		if c.blockStopped {
			break
		}
	}
	body := c.popFrame(false)

	c.pushFrame()
	if n.ExcName != "" {
		kind := varWord
		if n.ExcType == "pointer" {
			kind = varPtr
		}
		entry, err := c.env.declare(c.mod.consts, n.ExcName, kind, wordSize, 0, 0)
		if err != nil {
			return err
		}
		c.emit(pendingFlow(flowAssign, valueOp(entry.ID), singleExpr(pendingExpr(expExceptionVar, zeroOp(), zeroOp())).asOperand(), zeroOp()))
	}
	for _, st := range n.Handler {
		if err := c.visitStmt(st); err != nil {
			return err
		}
		if c.blockStopped {
			break
		}
	}
	handler := c.popFrame(false)

	c.emit(pendingFlow(flowTry, nestedOp(body), nestedOp(handler), zeroOp()))
	return nil
}

func (c *funcCtx) visitReturn(n *Return) error {
	var val exprResult
	if n.Value == nil {
		val = singleExpr(pendingExpr(expWord, valueOp(0), zeroOp()))
	} else {
		var err error
		val, err = c.visitExpr(n.Value, false)
		if err != nil {
			return err
		}
	}
	c.emit(pendingFlow(flowRet, val.asOperand(), zeroOp(), zeroOp()))
	c.blockStopped = true
	return nil
}

func (c *funcCtx) visitRaise(n *Raise) error {
	val, err := c.visitExpr(n.Value, false)
	if err != nil {
		return err
	}
	c.emit(pendingFlow(flowThrow, val.asOperand(), zeroOp(), zeroOp()))
	c.blockStopped = true
	return nil
}

func (c *funcCtx) visitDel(n *Del) error {
	for _, t := range n.Targets {
		val, err := c.visitExpr(t, false)
		if err != nil {
			return err
		}
		c.emit(pendingFlow(flowDynFree, val.asOperand(), zeroOp(), zeroOp()))
	}
	return nil
}

// visitPrint lowers the print statement to a sequence of calls to the
// external formatted-print callable, one value at a time, interleaved
// with a space separator and followed by a trailing newline when
// Newline is set (spec.md §4.3 "Print statement").
func (c *funcCtx) visitPrint(n *Print) error {
	for i, v := range n.Values {
		if i > 0 {
			if err := c.emitPrintk(" ", nil); err != nil {
				return err
			}
		}
		if err := c.visitPrintValue(v); err != nil {
			return err
		}
	}
	if n.Newline {
		if err := c.emitPrintk("\n", nil); err != nil {
			return err
		}
	}
	return nil
}

// visitPrintValue lowers one print operand. A `fmt % args` value is
// special-cased (core.py:1136-1158): the format helper's result is
// materialized into a temp variable first, printed with "%s", and freed
// with FLOW_DYN_FREE right after the printk call -- the helper allocates
// that buffer with new, so printing it is not enough to release it.
func (c *funcCtx) visitPrintValue(v Expr) error {
	if bo, ok := v.(*BinOp); ok && bo.Op == BinMod {
		if str, ok2 := bo.Left.(*Str); ok2 {
			formatted, err := c.visitFormatSugar(str, bo.Right)
			if err != nil {
				return err
			}
			temp := c.newTemp()
			entry, err := c.env.touch(temp)
			if err != nil {
				return err
			}
			c.emit(pendingFlow(flowAssign, valueOp(entry.ID), formatted.asOperand(), zeroOp()))

			arg := bareValue(entry.ID)
			if err := c.emitPrintk("%s", &arg); err != nil {
				return err
			}
			c.emit(pendingFlow(flowDynFree, arg.asOperand(), zeroOp(), zeroOp()))
			return nil
		}
	}

	val, err := c.visitExpr(v, false)
	if err != nil {
		return err
	}
	format := "%d"
	if isStringExpr(val) {
		format = "%s"
	}
	return c.emitPrintk(format, &val)
}

func (c *funcCtx) emitPrintk(format string, arg *exprResult) error {
	nameID, err := c.strtab.intern("printk")
	if err != nil {
		return err
	}
	quartets := []pendingQuartet{pendingExpr(expCallString, valueOp(nameID), valueOp(uint64(funcExternal|funcVariableArgument)))}
	if arg != nil {
		quartets = append(quartets, arg.asListElement())
	}
	fmtID, err := c.strtab.intern(format)
	if err != nil {
		return err
	}
	quartets = append(quartets, pendingExpr(expString, valueOp(fmtID), zeroOp()))
	quartets = append(quartets, pendingExpr(expCallEnd, zeroOp(), zeroOp()))

	sink, err := c.env.touch("_")
	if err != nil {
		return err
	}
	c.emit(pendingFlow(flowAssign, valueOp(sink.ID), blockExpr(quartets).asOperand(), zeroOp()))
	return nil
}

// ---- expression lowering ----

func (c *funcCtx) visitExpr(e Expr, force bool) (exprResult, error) {
	switch n := e.(type) {
	case *Num:
		return singleExpr(pendingExpr(expWord, valueOp(uint64(n.Value)), zeroOp())), nil
	case *Str:
		id, err := c.strtab.intern(n.Value)
		if err != nil {
			return exprResult{}, err
		}
		return singleExpr(pendingExpr(expString, valueOp(id), zeroOp())), nil
	case *Name:
		return c.visitName(n, force)
	case *UnaryOp:
		return c.visitUnaryOp(n)
	case *BinOp:
		return c.visitBinOp(n)
	case *BoolOp:
		return c.visitBoolOp(n)
	case *Compare:
		return c.visitCompare(n)
	case *Call:
		return c.visitCall(n)
	case *Subscript:
		return c.visitSubscript(n)
	default:
		return exprResult{}, compileErrf(ErrUnsupportedSyntax, "unsupported expression %T", e)
	}
}

func (c *funcCtx) visitName(n *Name, force bool) (exprResult, error) {
	if v, ok := c.mod.consts[n.Ident]; ok {
		return singleExpr(pendingExpr(expWord, valueOp(uint64(v)), zeroOp())), nil
	}
	entry, err := c.env.resolve(n.Ident)
	if err != nil {
		return exprResult{}, err
	}
	if entry.Kind == varBuf || entry.Kind == varArray {
		return singleExpr(pendingExpr(expAddressOf, valueOp(entry.ID), zeroOp())), nil
	}
	if !force {
		return bareValue(entry.ID), nil
	}
	return singleExpr(pendingExpr(expVar, valueOp(entry.ID), zeroOp())), nil
}

func (c *funcCtx) visitUnaryOp(n *UnaryOp) (exprResult, error) {
	operand, err := c.visitExpr(n.Operand, false)
	if err != nil {
		return exprResult{}, err
	}
	switch n.Op {
	case UnaryNeg:
		return singleExpr(pendingExpr(expSub, valueOp(0), operand.asOperand())), nil
	case UnaryInvert:
		return singleExpr(pendingExpr(expNot, operand.asOperand(), zeroOp())), nil
	case UnaryNot:
		return singleExpr(pendingExpr(expBoolNot, operand.asOperand(), zeroOp())), nil
	default:
		return exprResult{}, compileErrf(ErrUnsupportedSyntax, "unsupported unary operator")
	}
}

func (c *funcCtx) visitBinOp(n *BinOp) (exprResult, error) {
	if n.Op == BinMod {
		if str, ok := n.Left.(*Str); ok {
			return c.visitFormatSugar(str, n.Right)
		}
	}
	left, err := c.visitExpr(n.Left, false)
	if err != nil {
		return exprResult{}, err
	}
	right, err := c.visitExpr(n.Right, false)
	if err != nil {
		return exprResult{}, err
	}
	return singleExpr(pendingExpr(binOpKind(n.Op), left.asOperand(), right.asOperand())), nil
}

// visitBoolOp folds a chain left-to-right but emits right-associatively:
// the accumulator so far becomes the *second* operand of the next
// BOOL_* quartet (spec.md §4.3, §8).
func (c *funcCtx) visitBoolOp(n *BoolOp) (exprResult, error) {
	kind := expBoolAnd
	if n.Op == BoolOr {
		kind = expBoolOr
	}
	acc, err := c.visitExpr(n.Values[0], false)
	if err != nil {
		return exprResult{}, err
	}
	for _, v := range n.Values[1:] {
		next, err := c.visitExpr(v, false)
		if err != nil {
			return exprResult{}, err
		}
		acc = singleExpr(pendingExpr(kind, next.asOperand(), acc.asOperand()))
	}
	return acc, nil
}

func (c *funcCtx) visitCompare(n *Compare) (exprResult, error) {
	left, err := c.visitExpr(n.Left, false)
	if err != nil {
		return exprResult{}, err
	}
	right, err := c.visitExpr(n.Right, false)
	if err != nil {
		return exprResult{}, err
	}
	switch n.Op {
	case CmpLt:
		return singleExpr(pendingExpr(expCmpSign, left.asOperand(), right.asOperand())), nil
	case CmpGt:
		return singleExpr(pendingExpr(expCmpSign, right.asOperand(), left.asOperand())), nil
	case CmpEq:
		return singleExpr(pendingExpr(expCmpEq, left.asOperand(), right.asOperand())), nil
	case CmpLtE:
		inner := singleExpr(pendingExpr(expCmpSign, right.asOperand(), left.asOperand()))
		return singleExpr(pendingExpr(expBoolNot, inner.asOperand(), zeroOp())), nil
	case CmpNotEq:
		inner := singleExpr(pendingExpr(expCmpEq, left.asOperand(), right.asOperand()))
		return singleExpr(pendingExpr(expBoolNot, inner.asOperand(), zeroOp())), nil
	default:
		return exprResult{}, compileErrf(ErrUnsupportedCompare, "unsupported comparison operator")
	}
}

func (c *funcCtx) visitSubscript(n *Subscript) (exprResult, error) {
	if nameNode, ok := n.Value.(*Name); ok {
		if _, isConst := c.mod.consts[nameNode.Ident]; !isConst {
			entry, err := c.env.resolve(nameNode.Ident)
			if err == nil {
				if entry.Kind == varWord {
					return exprResult{}, compileErrf(ErrTypeMismatch, "%q cannot be used as a pointer", nameNode.Ident)
				}
				idx, err := c.visitExpr(n.Index, false)
				if err != nil {
					return exprResult{}, err
				}
				return singleExpr(pendingExpr(expBufOffset, valueOp(entry.ID), idx.asOperand())), nil
			}
		}
	}
	base, err := c.visitExpr(n.Value, false)
	if err != nil {
		return exprResult{}, err
	}
	idx, err := c.visitExpr(n.Index, false)
	if err != nil {
		return exprResult{}, err
	}
	sum := singleExpr(pendingExpr(expAdd, base.asOperand(), idx.asOperand()))
	return singleExpr(pendingExpr(expDeref, sum.asOperand(), valueOp(1))), nil
}

// visitCall dispatches to an indirect call, a macro, or a named call
// (internal or external) per spec.md §4.3 "Calls".
func (c *funcCtx) visitCall(call *Call) (exprResult, error) {
	if calleeName, ok := call.Func.(*Name); ok {
		if _, isVar := c.env.lookup(calleeName.Ident); !isVar {
			return c.visitNamedCall(calleeName.Ident, call.Args)
		}
	}
	val, err := c.visitExpr(call.Func, false)
	if err != nil {
		return exprResult{}, err
	}
	args, err := c.lowerCallArgs(call.Args, true)
	if err != nil {
		return exprResult{}, err
	}
	quartets := []pendingQuartet{pendingExpr(expCallPtr, val.asOperand(), valueOp(uint64(funcExternal)))}
	quartets = append(quartets, args...)
	quartets = append(quartets, pendingExpr(expCallEnd, zeroOp(), zeroOp()))
	return blockExpr(quartets), nil
}

func (c *funcCtx) visitNamedCall(name string, args []Expr) (exprResult, error) {
	switch name {
	case "ADDRESSOF":
		if len(args) != 1 {
			return exprResult{}, compileErrf(ErrUnsupportedSyntax, "ADDRESSOF takes exactly one argument")
		}
		nameArg, ok := args[0].(*Name)
		if !ok {
			return exprResult{}, compileErrf(ErrUnsupportedSyntax, "ADDRESSOF's argument must be a name")
		}
		entry, err := c.env.resolve(nameArg.Ident)
		if err != nil {
			return exprResult{}, err
		}
		return singleExpr(pendingExpr(expAddressOf, valueOp(entry.ID), zeroOp())), nil

	case "DEREF":
		if len(args) != 1 {
			return exprResult{}, compileErrf(ErrUnsupportedSyntax, "DEREF takes exactly one argument")
		}
		if nameArg, ok := args[0].(*Name); ok {
			if entry, err := c.env.resolve(nameArg.Ident); err == nil {
				if entry.Kind != varPtr {
					return exprResult{}, compileErrf(ErrTypeMismatch, "DEREF requires a pointer variable")
				}
				return singleExpr(pendingExpr(expDeref, valueOp(entry.ID), valueOp(wordSize))), nil
			}
		}
		val, err := c.visitExpr(args[0], false)
		if err != nil {
			return exprResult{}, err
		}
		return singleExpr(pendingExpr(expDeref, val.asOperand(), valueOp(wordSize))), nil

	case "new":
		if len(args) == 1 {
			size, err := c.visitExpr(args[0], false)
			if err != nil {
				return exprResult{}, err
			}
			return singleExpr(pendingExpr(expDynAlloc, size.asOperand(), zeroOp())), nil
		}
		if len(args) == 2 {
			numNode, ok := args[1].(*Num)
			if !ok || (numNode.Value != 0 && numNode.Value != 1) {
				return exprResult{}, compileErrf(ErrBadNew, "new's second argument must be 0 or 1")
			}
			size, err := c.visitExpr(args[0], false)
			if err != nil {
				return exprResult{}, err
			}
			return singleExpr(pendingExpr(expDynAlloc, size.asOperand(), valueOp(uint64(numNode.Value)))), nil
		}
		return exprResult{}, compileErrf(ErrBadNew, "new takes one or two arguments")

	case "delete":
		if len(args) != 1 {
			return exprResult{}, compileErrf(ErrBadNew, "delete takes exactly one argument")
		}
		val, err := c.visitExpr(args[0], false)
		if err != nil {
			return exprResult{}, err
		}
		c.emit(pendingFlow(flowDynFree, val.asOperand(), zeroOp(), zeroOp()))
		return singleExpr(pendingExpr(expWord, valueOp(0), zeroOp())), nil
	}

	reverse := false
	var head pendingQuartet
	if strings.HasPrefix(name, reservedPrefix) {
		bare := name[len(reservedPrefix):]
		reverse = true
		flags := uint64(funcExternal)
		if c.mod.varArgFuncs[name] {
			flags |= uint64(funcVariableArgument)
		}
		id, err := c.strtab.intern(bare)
		if err != nil {
			return exprResult{}, err
		}
		head = pendingExpr(expCallString, valueOp(id), valueOp(flags))
	} else {
		id, err := c.strtab.intern(name)
		if err != nil {
			return exprResult{}, err
		}
		head = pendingExpr(expCallString, valueOp(id), valueOp(0))
	}

	argQuartets, err := c.lowerCallArgs(args, reverse)
	if err != nil {
		return exprResult{}, err
	}
	quartets := append([]pendingQuartet{head}, argQuartets...)
	quartets = append(quartets, pendingExpr(expCallEnd, zeroOp(), zeroOp()))
	return blockExpr(quartets), nil
}

// lowerCallArgs lowers each argument as one element of the call's flat
// quartet sequence, forcing Name arguments to materialize a full EXP_VAR
// quartet (force=true) since a bare value can't stand as a list element,
// then reverses the sequence for external/indirect calls.
func (c *funcCtx) lowerCallArgs(args []Expr, reverse bool) ([]pendingQuartet, error) {
	out := make([]pendingQuartet, len(args))
	for i, a := range args {
		var res exprResult
		var err error
		if nameNode, ok := a.(*Name); ok {
			res, err = c.visitName(nameNode, true)
		} else {
			res, err = c.visitExpr(a, false)
		}
		if err != nil {
			return nil, err
		}
		out[i] = res.asListElement()
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// visitFormatSugar lowers `s % args` (spec.md §4.3, §4.7): args may be a
// single expression, a tuple, or a list; the format string is always the
// helper's first formal argument, substitution values follow in source
// order, none of them reversed.
func (c *funcCtx) visitFormatSugar(fmtStr *Str, rhs Expr) (exprResult, error) {
	args, ok := eltsOf(rhs)
	if !ok {
		args = []Expr{rhs}
	}

	extra := make([]pendingQuartet, len(args))
	for i, a := range args {
		var res exprResult
		var err error
		if nameNode, ok := a.(*Name); ok {
			res, err = c.visitName(nameNode, true)
		} else {
			res, err = c.visitExpr(a, false)
		}
		if err != nil {
			return exprResult{}, err
		}
		extra[i] = res.asListElement()
	}

	helper, err := c.session.formatHelper(c.fn, len(args)+1)
	if err != nil {
		return exprResult{}, err
	}

	addrQuartet := pendingExpr(expWord, valueOp(helper.Addr), zeroOp())
	head := pendingExpr(expCallPtr, nestedOp(pendingBlock{addrQuartet}), zeroOp())

	fmtResult, err := c.visitExpr(fmtStr, false)
	if err != nil {
		return exprResult{}, err
	}

	quartets := []pendingQuartet{head, fmtResult.asListElement()}
	quartets = append(quartets, extra...)
	quartets = append(quartets, pendingExpr(expCallEnd, zeroOp(), zeroOp()))
	return blockExpr(quartets), nil
}
