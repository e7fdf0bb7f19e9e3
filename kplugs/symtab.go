package kplugs

import "strings"

// reservedPrefix and reservedNames are taken verbatim from core.py's
// RESERVED_PREFIX / RESERVED_NAMES / RESERVED_FUNCTIONS.
const reservedPrefix = "KERNEL"

var reservedNames = map[string]bool{
	"VARIABLE_ARGUMENT": true,
	"ANONYMOUS":         true,
	"STATIC":            true,
	"ADDRESSOF":         true,
	"word":              true,
	"buffer":            true,
	"array":             true,
	"pointer":           true,
	"new":               true,
	"delete":            true,
	"_":                 true,
}

func validateName(name string) error {
	if strings.HasPrefix(name, reservedPrefix) {
		return compileErrf(ErrReservedName, "illegal name: %q", name)
	}
	if reservedNames[name] {
		return compileErrf(ErrReservedName, "illegal name: %q", name)
	}
	return nil
}

// symbolEntry is the per-variable record the symbol environment tracks.
type symbolEntry struct {
	ID    uint64
	Kind  varKind
	Size  uint64
	Init  uint64
	Flags uint64
}

// symbolEnv is the per-function dense-id symbol table.
// Ids are assigned in the order names are first declared, starting at 1,
// arguments first. An insertion-ordered map gives both lookup and stable
// iteration order, mirroring core.py's self.all_vars dict plus self.vars/
// self.args ordering lists.
type symbolEnv struct {
	order   []string // insertion order, dense ids: order[i] has id i+1
	entries map[string]*symbolEntry
	nextID  uint64
}

func newSymbolEnv() *symbolEnv {
	return &symbolEnv{entries: make(map[string]*symbolEntry), nextID: 1}
}

// declare creates a new entry (or promotes an existing UNDEF entry to
// kind) for name. Fails on a reserved name, on a name already used as a
// module constant, and -- for a brand-new name -- never on redeclaration:
// callers that need "already exists" semantics check lookup
// first (see lower.go's declaration-as-call handling).
func (e *symbolEnv) declare(consts map[string]int64, name string, kind varKind, size, init, flags uint64) (*symbolEntry, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if _, ok := consts[name]; ok {
		return nil, compileErrf(ErrConstantRedefinition, "%q is a constant", name)
	}

	if existing, ok := e.entries[name]; ok {
		if existing.Kind == varUndef {
			existing.Kind = kind
			existing.Size = size
			existing.Init = init
			existing.Flags = flags
		}
		return existing, nil
	}

	entry := &symbolEntry{ID: e.nextID, Kind: kind, Size: size, Init: init, Flags: flags}
	e.entries[name] = entry
	e.order = append(e.order, name)
	e.nextID++
	return entry, nil
}

// declareArg appends an argument entry with kind UNDEF, used while
// parsing a function's parameter list (core.py creates args with
// VAR_UNDEF so their kind can be inferred from first use).
func (e *symbolEnv) declareArg(name string) (*symbolEntry, error) {
	if _, ok := e.entries[name]; ok {
		return nil, compileErrf(ErrUnsupportedSyntax, "duplicate argument name %q", name)
	}
	entry := &symbolEntry{ID: e.nextID, Kind: varUndef, Size: wordSize}
	e.entries[name] = entry
	e.order = append(e.order, name)
	e.nextID++
	return entry, nil
}

// resolve fails with UseBeforeAssignment if name is absent.
func (e *symbolEnv) resolve(name string) (*symbolEntry, error) {
	entry, ok := e.entries[name]
	if !ok {
		return nil, compileErrf(ErrUseBeforeAssignment, "variable %q used before assignment", name)
	}
	return entry, nil
}

// touch behaves like resolve but creates a WORD entry with defaults if
// absent; used for simple assignment targets (core.py's
// _get_var_id(..., create=True)).
func (e *symbolEnv) touch(name string) (*symbolEntry, error) {
	if entry, ok := e.entries[name]; ok {
		return entry, nil
	}
	entry := &symbolEntry{ID: e.nextID, Kind: varWord, Size: wordSize}
	e.entries[name] = entry
	e.order = append(e.order, name)
	e.nextID++
	return entry, nil
}

func (e *symbolEnv) lookup(name string) (*symbolEntry, bool) {
	entry, ok := e.entries[name]
	return entry, ok
}

// count returns the number of declared variables (including arguments).
func (e *symbolEnv) count() int { return len(e.order) }
