// Package modules holds the static table of functions tasks may call.
//
// A task names a module and a function; the runner resolves the pair here.
// Nothing is loaded at run time: every callable is registered in code and
// the table is checked with Validate before an agent starts taking work.
//
//	reg := modules.NewRegistry()
//	reg.Add(modules.Builtin())
//	reg.Register("math", "square", modules.Typed(func(ctx context.Context, n int) (int, error) {
//	    return n * n, nil
//	}))
//	if err := reg.Validate("builtin.echo"); err != nil {
//	    log.Fatal(err)
//	}
package modules
