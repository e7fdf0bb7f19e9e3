package kplugs

// This file defines the input AST the lowerer consumes (spec.md §6.1).
// The source-language parser is out of scope (spec.md §1); callers are
// expected to hand the lowerer a tree built from these node kinds.
//
// Modeled as a sealed sum type per the design notes: Stmt and Expr are
// closed interfaces implemented only by the node kinds below, and the
// lowerer dispatches with an exhaustive type switch (see lower.go) —
// an unknown concrete type is a compile-time UnsupportedSyntax error,
// not a silently-accepted default. Grounded on the tagged-variant/type-
// switch style used by the other_examples AST-to-bytecode compilers
// (e.g. pidgin-lang's compiler.go compileExpression/compileStatement).

// Module is the root of a compilation unit: a flat sequence of the four
// module-level forms spec.md §4.3 allows (constant assignment, the three
// marker-expression macros, and function definitions).
type Module struct {
	Body []Stmt
}

// Stmt is implemented by every statement-position node kind in §6.1.
type Stmt interface{ isStmt() }

// Expr is implemented by every expression-position node kind in §6.1.
type Expr interface{ isExpr() }

// ---- statements ----

// FuncDef is a top-level function definition. Defaults must elsewhere
// resolve to integer literals or constant references (spec.md §4.3);
// Defaults holds one Expr per defaulted trailing argument, so
// len(Defaults) <= len(Args) and the first len(Args)-len(Defaults)
// arguments are required.
type FuncDef struct {
	Name     string
	Args     []string
	Defaults []Expr
	Body     []Stmt
}

func (*FuncDef) isStmt() {}

// Assign is a single- or multi- (tuple/list) target assignment.
// IsAug marks an augmented assignment (`+=` etc.) and AugOp holds its
// operator; in that case len(Targets) == 1 and Targets[0] must be a
// simple Name or Subscript.
type Assign struct {
	Targets []Expr // Name, Subscript, Tuple, or List
	Value   Expr
	AugOp   BinOpKind
	IsAug   bool
}

func (*Assign) isStmt() {}

// ExprStmt is a bare expression in statement position (its result is
// discarded into the sink variable "_", matching core.py's visit_Expr).
// It is also how the declaration-as-call special forms
// (word(name)/buffer(name,n)/...) and the module-level marker macros
// (VARIABLE_ARGUMENT/ANONYMOUS/STATIC) are recognized.
type ExprStmt struct {
	Value Expr
}

func (*ExprStmt) isStmt() {}

// If is `if Test: Body else: Else`. Else may be empty (no else clause).
type If struct {
	Test Expr
	Body []Stmt
	Else []Stmt
}

func (*If) isStmt() {}

// While is `while Test: Body`. There is no else form.
type While struct {
	Test Expr
	Body []Stmt
}

func (*While) isStmt() {}

// TryExcept is `try: Body except [Type [as Name]]: Handler`. Exactly one
// handler is supported (spec.md §4.3); ExcType/ExcName are empty strings
// when the handler has no `as` clause (bare `except:`).
type TryExcept struct {
	Body     []Stmt
	ExcType  string // "word" or "pointer", or "" if untyped
	ExcName  string // bound name, or "" if the handler binds nothing
	Handler  []Stmt
}

func (*TryExcept) isStmt() {}

// Pass emits nothing.
type Pass struct{}

func (*Pass) isStmt() {}

// Return is `return Value`. Value is nil for a bare `return`.
type Return struct {
	Value Expr
}

func (*Return) isStmt() {}

// Raise is `raise Value`.
type Raise struct {
	Value Expr
}

func (*Raise) isStmt() {}

// Del is `del Targets...`.
type Del struct {
	Targets []Expr
}

func (*Del) isStmt() {}

// Print is the `print` statement. Newline controls whether a trailing
// "\n" call is emitted (mirrors core.py's node.nl).
type Print struct {
	Values  []Expr
	Newline bool
}

func (*Print) isStmt() {}

// ---- expressions ----

// Num is an integer literal.
type Num struct{ Value int64 }

func (*Num) isExpr() {}

// Str is a string literal.
type Str struct{ Value string }

func (*Str) isExpr() {}

// Name is a bare identifier reference.
type Name struct{ Ident string }

func (*Name) isExpr() {}

// UnaryOpKind enumerates the three supported unary operators.
type UnaryOpKind int

const (
	UnaryNeg    UnaryOpKind = iota // -x
	UnaryInvert                    // ~x
	UnaryNot                       // not x
)

type UnaryOp struct {
	Op      UnaryOpKind
	Operand Expr
}

func (*UnaryOp) isExpr() {}

// BinOpKind enumerates the supported arithmetic/bitwise binary operators.
type BinOpKind int

const (
	BinAdd BinOpKind = iota
	BinSub
	BinMul
	BinDiv
	BinMod
	BinBitAnd
	BinBitOr
)

type BinOp struct {
	Op          BinOpKind
	Left, Right Expr
}

func (*BinOp) isExpr() {}

// BoolOpKind enumerates `and`/`or` chains.
type BoolOpKind int

const (
	BoolAnd BoolOpKind = iota
	BoolOr
)

// BoolOp is a left-to-right chain of `and`/`or` terms (len(Values) >= 2).
type BoolOp struct {
	Op     BoolOpKind
	Values []Expr
}

func (*BoolOp) isExpr() {}

// CompareOpKind enumerates the supported comparison operators. `>=` is
// deliberately absent: spec.md §4.3 calls it out as unsupported.
type CompareOpKind int

const (
	CmpLt CompareOpKind = iota
	CmpLtE
	CmpGt
	CmpEq
	CmpNotEq
)

// Compare is a single binary comparison (chained comparisons like
// `a < b < c` are not part of the accepted subset).
type Compare struct {
	Op          CompareOpKind
	Left, Right Expr
}

func (*Compare) isExpr() {}

// Call is a call expression. Func is the callee: a *Name for a direct,
// builtin, or macro call, or any other Expr for an indirect call through
// a value (pointer/expression call).
type Call struct {
	Func Expr
	Args []Expr
}

func (*Call) isExpr() {}

// Subscript is `Value[Index]` (single-index subscript only).
type Subscript struct {
	Value Expr
	Index Expr
}

func (*Subscript) isExpr() {}

// Tuple and List are parallel-assignment / call-argument groupings.
type Tuple struct{ Elts []Expr }

func (*Tuple) isExpr() {}

type List struct{ Elts []Expr }

func (*List) isExpr() {}
