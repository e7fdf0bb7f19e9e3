package kplugs

import "fmt"

// Session is the handle a caller holds open against one kernel device
// (spec.md §4.6, §6.4). A session owns its transport and the registry of
// functions it has loaded, and serializes every device operation through
// the transport's mutex (spec.md §5: "a session owns one device handle;
// at most one logical operation is outstanding against it at a time").
//
// Grounded on vm/vm.go's VM struct: a single owner of the runtime resource
// (there, the register file and call stack; here, the device handle and
// loaded-function registry) with methods that serialize access to it.
type Session struct {
	transport *transport
	global    bool

	loaded []*Function // insertion order, for deterministic close-time unload
}

// Open starts a session against dev. global selects the kernel's global
// (kernel-wide namespace) or local (per-session) load mode for every
// function this session loads. In either mode Close unloads every
// function the session still has loaded.
func Open(dev Device, global bool) *Session {
	return &Session{
		transport: newTransport(dev),
		global:    global,
	}
}

// Compile lowers source into a set of loadable functions but does not
// load them. Only non-static top-level functions are returned (spec.md
// §6.4: "compile(source) -> [Function] returns non-static functions
// only" -- static functions exist solely to be called by name from
// other functions in the same compile and are never handed to the
// caller directly).
func (s *Session) Compile(mod *Module) ([]*Function, error) {
	mstate := newModuleState()
	all, err := lowerModule(mod, mstate, s)
	if err != nil {
		return nil, err
	}
	out := make([]*Function, 0, len(all))
	for _, fn := range all {
		if !fn.Static {
			out = append(out, fn)
		}
	}
	return out, nil
}

// Load builds fn's image and loads it into the device, recording its
// assigned address. Loading an already-loaded function is a no-op.
func (s *Session) Load(fn *Function) error {
	if fn.loaded {
		return nil
	}
	image, err := fn.buildImage()
	if err != nil {
		return err
	}
	addr, err := s.transport.loadImage(image, s.global)
	if err != nil {
		return err
	}
	fn.Addr = addr
	fn.loaded = true
	fn.global = s.global
	s.loaded = append(s.loaded, fn)
	return nil
}

// Execute calls fn with args, loading it first if necessary. Anonymous
// functions are invoked by address; named functions by name (spec.md
// §4.6's LOAD/EXECUTE op split).
func (s *Session) Execute(fn *Function, args ...uint64) (uint64, error) {
	if err := s.Load(fn); err != nil {
		return 0, err
	}
	if fn.Anonymous {
		return s.transport.executeAnonymous(fn.Addr, args, s.global)
	}
	return s.transport.executeNamed(fn.Name, args, s.global)
}

// Unload removes fn from the device and this session's registry,
// including any format-helper functions it owns (spec.md §9 "cyclic
// helper ownership": the helper is never unloaded independently of its
// owner).
func (s *Session) Unload(fn *Function) error {
	if !fn.loaded {
		return nil
	}
	for _, helper := range fn.SpecialFuncs {
		if err := s.Unload(helper); err != nil {
			return err
		}
	}
	var err error
	if fn.Anonymous {
		err = s.transport.unloadAnonymous(fn.Addr, s.global)
	} else {
		err = s.transport.unloadNamed(fn.Name, s.global)
	}
	if err != nil {
		return err
	}
	fn.loaded = false
	s.removeFromRegistry(fn)
	return nil
}

func (s *Session) removeFromRegistry(fn *Function) {
	for i, f := range s.loaded {
		if f == fn {
			s.loaded = append(s.loaded[:i], s.loaded[i+1:]...)
			return
		}
	}
}

// LastException returns the (arg1, arg2) pair of the most recently
// observed kernel exception record, if any (spec.md §4.6).
func (s *Session) LastException() (arg1, arg2 uint64, ok bool) {
	return s.transport.lastException()
}

// Close unloads every function this session still owns, then closes the
// underlying device. For a global session every loaded function must be
// explicitly unloaded before the device handle itself is released
// (spec.md §6.4): the loop pops from the front and retries rather than
// iterating a fixed snapshot, since Unload mutates s.loaded (and, via a
// helper's cascade, may remove more than one entry per call).
func (s *Session) Close() error {
	for len(s.loaded) > 0 {
		fn := s.loaded[0]
		if err := s.Unload(fn); err != nil {
			return fmt.Errorf("kplugs: close: unloading %q: %w", fn.Name, err)
		}
	}
	return s.transport.close()
}

// formatHelper returns the cached helper function for owner that accepts
// arity total words (the format string plus arity-1 substitution values),
// synthesizing and loading it on first use (spec.md §4.7).
func (s *Session) formatHelper(owner *Function, arity int) (*Function, error) {
	key := fmt.Sprintf("%d", arity)
	if helper, ok := owner.SpecialFuncs[key]; ok {
		return helper, nil
	}

	helper, err := s.buildFormatHelper(arity)
	if err != nil {
		return nil, err
	}
	if err := s.Load(helper); err != nil {
		return nil, err
	}
	owner.SpecialFuncs[key] = helper
	return helper, nil
}

// fstringSizeMismatchError is the value core.py's synthesized helper
// raises when the real formatting pass doesn't produce exactly the
// number of bytes the zero-length probe call promised (core.py:
// "ERROR_PARAM = 5"). It doubles as kernel error code 5 (spec.md §7's
// WrongParameter) purely by coincidence of both having picked a stand-in
// integer; nothing downstream interprets it as a device error code.
const fstringSizeMismatchError = 5

// buildFormatHelper synthesizes the AST for an anonymous helper function
// of the shape:
//
//	def helper(fmt, a1, ..., aN):
//	    size = KERNEL_snprintf(0, 0, fmt, a1, ..., aN)
//	    buf = new(size + 1)
//	    if KERNEL_snprintf(buf, size + 1, fmt, a1, ..., aN) != size:
//	        raise 5
//	    return buf
//
// (spec.md §4.7's "size the formatted string with a zero-length probe
// call, allocate length+1 with new, then format into the real buffer,
// raising a known error code on size mismatch"; core.py:641-658
// `_create_fstring_function` does exactly this comparison-and-raise).
// There is no parser to re-lower synthesized source text as core.py
// does; instead the AST nodes are built directly and fed through
// lowerFunction, the same path lowerModule uses for any other function.
func (s *Session) buildFormatHelper(arity int) (*Function, error) {
	args := make([]string, arity)
	args[0] = "fmt"
	for i := 1; i < arity; i++ {
		args[i] = fmt.Sprintf("a%d", i)
	}

	callArgs := func() []Expr {
		out := make([]Expr, arity)
		for i, a := range args {
			out[i] = &Name{Ident: a}
		}
		return out
	}

	sizeProbe := &Call{Func: &Name{Ident: reservedPrefix + "snprintf"}, Args: append(
		[]Expr{&Num{Value: 0}, &Num{Value: 0}}, callArgs()...,
	)}
	formatCall := &Call{Func: &Name{Ident: reservedPrefix + "snprintf"}, Args: append(
		[]Expr{&Name{Ident: "buf"}, &BinOp{Op: BinAdd, Left: &Name{Ident: "size"}, Right: &Num{Value: 1}}}, callArgs()...,
	)}

	body := []Stmt{
		&Assign{Targets: []Expr{&Name{Ident: "size"}}, Value: sizeProbe},
		&Assign{Targets: []Expr{&Name{Ident: "buf"}}, Value: &Call{
			Func: &Name{Ident: "new"},
			Args: []Expr{&BinOp{Op: BinAdd, Left: &Name{Ident: "size"}, Right: &Num{Value: 1}}},
		}},
		&If{
			Test: &Compare{Op: CmpNotEq, Left: formatCall, Right: &Name{Ident: "size"}},
			Body: []Stmt{&Raise{Value: &Num{Value: fstringSizeMismatchError}}},
		},
		&Return{Value: &Name{Ident: "buf"}},
	}

	name := fmt.Sprintf("$fmt_helper_%d", arity)
	fd := &FuncDef{Name: name, Args: args, Body: body}

	mstate := newModuleState()
	mstate.anonFuncs[name] = true
	mstate.varArgFuncs[reservedPrefix+"snprintf"] = true

	return lowerFunction(fd, mstate, s)
}
