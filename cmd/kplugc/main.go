// kplugc is a small demonstration driver for the kplugs compiler and
// session runtime. The source-language parser and a real kernel device
// are both out of scope (spec.md §1); this command builds one AST by
// hand, compiles it, and drives it through an in-memory Device so the
// whole load/execute/unload/close path can be exercised end to end.
package main

import (
	"flag"
	"fmt"
	"os"

	"kplugs/kplugs"
)

func main() {
	global := flag.Bool("global", false, "load functions in global mode")
	flag.Parse()

	if err := run(*global); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(global bool) error {
	mod := demoModule()

	dev := newMemDevice()
	sess := kplugs.Open(dev, global)

	funcs, err := sess.Compile(mod)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	var entry *kplugs.Function
	for _, fn := range funcs {
		if fn.Name == "main" {
			entry = fn
		}
	}
	if entry == nil {
		return fmt.Errorf("no entry point named %q in demo module", "main")
	}

	result, err := sess.Execute(entry, 5, 7)
	if err != nil {
		if arg1, arg2, ok := sess.LastException(); ok {
			fmt.Fprintf(os.Stderr, "last exception: arg1=%d arg2=%d\n", arg1, arg2)
		}
		return fmt.Errorf("execute: %w", err)
	}
	fmt.Printf("main(5, 7) = %d\n", result)

	return sess.Close()
}

// demoModule builds the AST for:
//
//	def main(x, y):
//	    return x + y
//
// by hand, since no source-language parser exists (spec.md §1).
func demoModule() *kplugs.Module {
	return &kplugs.Module{Body: []kplugs.Stmt{
		&kplugs.FuncDef{
			Name: "main",
			Args: []string{"x", "y"},
			Body: []kplugs.Stmt{
				&kplugs.Return{Value: &kplugs.BinOp{
					Op:    kplugs.BinAdd,
					Left:  &kplugs.Name{Ident: "x"},
					Right: &kplugs.Name{Ident: "y"},
				}},
			},
		},
	}}
}
