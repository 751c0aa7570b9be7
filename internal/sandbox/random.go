package sandbox

import (
	"strconv"

	"github.com/MJE43/ugc-runtime-go/internal/rng"
	"github.com/dop251/goja"
)

// Random builds the `random` handle for one call from seed and exposes it as
// the global `random` until the call returns. Handles captured by domain code
// stop working once their call has finished.
func (s *Scope) Random(seed int64) *goja.Object {
	rt := s.vm.rt
	r := rng.New(seed)
	live := true

	check := func(name string) {
		if !live {
			s.vm.denyStub("random." + name + " outside its call")(goja.FunctionCall{})
		}
	}
	throw := func(err error) {
		panic(rt.NewTypeError("%s", err.Error()))
	}

	h := rt.NewObject()
	h.Set("random", func(goja.FunctionCall) goja.Value {
		check("random")
		return rt.ToValue(r.Random())
	})
	h.Set("d", func(call goja.FunctionCall) goja.Value {
		check("d")
		v, err := r.D(int(call.Argument(0).ToInteger()))
		if err != nil {
			throw(err)
		}
		return rt.ToValue(v)
	})
	h.Set("range", func(call goja.FunctionCall) goja.Value {
		check("range")
		v, err := r.Range(int(call.Argument(0).ToInteger()), int(call.Argument(1).ToInteger()))
		if err != nil {
			throw(err)
		}
		return rt.ToValue(v)
	})
	h.Set("shuffle", func(call goja.FunctionCall) goja.Value {
		check("shuffle")
		arr, ok := call.Argument(0).(*goja.Object)
		if !ok || arr.ClassName() != "Array" {
			panic(rt.NewTypeError("random.shuffle expects an array"))
		}
		n := int(arr.Get("length").ToInteger())
		items := make([]goja.Value, n)
		for i := 0; i < n; i++ {
			items[i] = arr.Get(strconv.Itoa(i))
		}
		shuffled := rng.Shuffle(r, items)
		out := make([]interface{}, n)
		for i, v := range shuffled {
			out[i] = v
		}
		return rt.NewArray(out...)
	})

	rt.Set("random", h)
	s.onRelease(func() {
		live = false
		rt.Set("random", goja.Undefined())
	})
	return h
}
