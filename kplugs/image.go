package kplugs

import "encoding/binary"

// Function is a single compiled function image plus the bookkeeping the
// registry needs to load, call, and unload it (spec.md §3 "Lifecycle").
// It is built once by the lowerer and is immutable thereafter except for
// the runtime fields (Addr, loaded, global) the registry fills in.
type Function struct {
	Name       string
	Anonymous  bool
	Static     bool
	minArgs    uint64
	maxArgs    uint64
	returnOnException bool
	defaultReturn     uint64
	functionType      uint64

	env    *symbolEnv
	strtab *stringTable
	body   pendingBlock

	// SpecialFuncs hangs helper functions (the format-helper family, keyed
	// by the decimal arity string, e.g. "2") off the function that requested
	// them, so the registry unloads them together with their owner
	// (spec.md §4.7, §9 "Cyclic helper ownership").
	SpecialFuncs map[string]*Function

	Addr   uint64
	loaded bool
	global bool
}

func newFunction(name string, anonymous bool) *Function {
	return &Function{
		Name:         name,
		Anonymous:    anonymous,
		env:          newSymbolEnv(),
		strtab:       newStringTable(),
		SpecialFuncs: make(map[string]*Function),
	}
}

// buildImage serializes the function per spec.md §4.5: header quartet,
// variable quartets in id order (is_arg for ids <= maxArgs), the resolved
// body quartets, then the string table.
func (f *Function) buildImage() ([]byte, error) {
	if err := f.checkDenseIDs(); err != nil {
		return nil, err
	}

	var nameID uint64
	if !f.Anonymous {
		var err error
		nameID, err = f.strtab.intern(f.Name)
		if err != nil {
			return nil, err
		}
	}

	header := functionQuartet(uint(f.minArgs), f.returnOnException, nameID, f.defaultReturn, f.functionType)

	varQuartets := make([]quartet, f.env.count())
	for i, name := range f.env.order {
		entry := f.env.entries[name]
		id := uint64(i + 1)
		varQuartets[i] = variableQuartet(entry.Kind, id <= f.maxArgs, entry.Size, entry.Init, entry.Flags)
	}

	preamble := uint64(1 + len(varQuartets))
	resolver := newOffsetResolver(preamble)
	resolver.resolve(f.body)
	body := resolver.flatten()

	buf := make([]byte, 0, wordSize*4*(1+len(varQuartets)+len(body))+32)
	buf = appendQuartet(buf, header)
	for _, q := range varQuartets {
		buf = appendQuartet(buf, q)
	}
	for _, q := range body {
		buf = appendQuartet(buf, q)
	}
	buf = append(buf, f.strtab.serialize()...)
	return buf, nil
}

func appendQuartet(buf []byte, q quartet) []byte {
	var w [8]byte
	binary.LittleEndian.PutUint64(w[:], q.w0)
	buf = append(buf, w[:]...)
	binary.LittleEndian.PutUint64(w[:], q.w1)
	buf = append(buf, w[:]...)
	binary.LittleEndian.PutUint64(w[:], q.w2)
	buf = append(buf, w[:]...)
	binary.LittleEndian.PutUint64(w[:], q.w3)
	buf = append(buf, w[:]...)
	return buf
}

// checkDenseIDs enforces spec.md §4.5's "must reject a pending build if
// variable ids are not dense and 1-based". The symbol environment only
// ever hands out dense ids, so this is a defensive check against a future
// bug rather than a reachable user-facing error today.
func (f *Function) checkDenseIDs() error {
	for i, name := range f.env.order {
		if f.env.entries[name].ID != uint64(i+1) {
			return compileErrf(ErrUnsupportedSyntax, "variable ids are not dense and 1-based")
		}
	}
	return nil
}
