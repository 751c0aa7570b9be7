package sandbox

import (
	"math"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

const maxExportDepth = 256

var plainObjectType = reflect.TypeOf(map[string]interface{}{})

// Export converts a JS value into plain JSON data (map[string]any, []any,
// string, float64, bool, nil). Anything the JSON wire format cannot carry
// exactly is a ContractError: functions, symbols, BigInt, NaN/Infinity,
// cyclic references and exotic objects such as Map, Promise or Proxy. Undefined
// object properties are dropped and undefined array slots become null, as
// JSON.stringify does.
func (s *Scope) Export(v goja.Value) (out any, err error) {
	e := &exporter{rt: s.vm.rt, onPath: map[*goja.Object]bool{}}
	if ex := s.vm.rt.Try(func() { out, err = e.walk(v, "$", 0) }); ex != nil {
		return nil, ex
	}
	return out, err
}

type exporter struct {
	rt     *goja.Runtime
	onPath map[*goja.Object]bool
}

func (e *exporter) walk(v goja.Value, path string, depth int) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if depth > maxExportDepth {
		return nil, Contractf("value at %s nests deeper than %d levels", path, maxExportDepth)
	}
	if _, ok := v.(*goja.Symbol); ok {
		return nil, Contractf("symbol at %s is not serializable", path)
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return primitive(v.Export(), path)
	}

	if _, isFn := goja.AssertFunction(obj); isFn {
		return nil, Contractf("function at %s is not serializable", path)
	}
	if e.onPath[obj] {
		return nil, Contractf("cyclic reference at %s", path)
	}
	e.onPath[obj] = true
	defer delete(e.onPath, obj)

	switch cls := obj.ClassName(); cls {
	case "Array":
		n := obj.Get("length").ToInteger()
		arr := make([]any, 0, n)
		for i := int64(0); i < n; i++ {
			item, err := e.walk(obj.Get(strconv.FormatInt(i, 10)), path+"["+strconv.FormatInt(i, 10)+"]", depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case "Date":
		t, ok := obj.Export().(time.Time)
		if !ok {
			return nil, nil
		}
		return t.UTC().Format("2006-01-02T15:04:05.000Z"), nil
	case "Object", "Error":
		if tag := obj.GetSymbol(goja.SymToStringTag); tag != nil && !goja.IsUndefined(tag) {
			return nil, Contractf("%s object at %s is not serializable", tag.String(), path)
		}
		if cls == "Object" && obj.ExportType() != plainObjectType {
			return nil, Contractf("exotic object at %s is not serializable", path)
		}
		keys := obj.Keys()
		m := make(map[string]any, len(keys))
		for _, k := range keys {
			child := obj.Get(k)
			if child == nil || goja.IsUndefined(child) {
				continue
			}
			if _, isFn := goja.AssertFunction(child); isFn {
				return nil, Contractf("function at %s.%s is not serializable", path, k)
			}
			item, err := e.walk(child, path+"."+k, depth+1)
			if err != nil {
				return nil, err
			}
			m[k] = item
		}
		return m, nil
	default:
		return nil, Contractf("%s object at %s is not serializable", cls, path)
	}
}

func primitive(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case int64:
		return float64(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, Contractf("non-finite number at %s is not serializable", path)
		}
		if x == 0 {
			// -0 encodes as 0
			return float64(0), nil
		}
		return x, nil
	case *big.Int:
		return nil, Contractf("BigInt at %s is not serializable", path)
	default:
		return nil, Contractf("value of type %T at %s is not serializable", v, path)
	}
}
