package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// deniedGlobals become throwing stubs. Any call records a violation for the
// running call, even when domain code catches the exception.
var deniedGlobals = []string{
	"setTimeout",
	"setInterval",
	"setImmediate",
	"clearTimeout",
	"clearInterval",
	"clearImmediate",
	"queueMicrotask",
	"fetch",
	"XMLHttpRequest",
	"WebSocket",
	"Worker",
	"SharedWorker",
	"importScripts",
	"require",
	"process",
}

// removedGlobals are shadowed with undefined.
var removedGlobals = []string{"eval", "Function"}

// guardPrelude swaps in a Date constructor that only accepts explicit
// timestamps, and locks the constructor reachable from function literals so
// code cannot be compiled at runtime.
const guardPrelude = `(function (deny) {
	'use strict';
	var RealDate = Date;
	var construct = Reflect.construct;
	var apply = Reflect.apply;
	var slice = Array.prototype.slice;
	var lock = function (obj, name, value) {
		Object.defineProperty(obj, name, { value: value, writable: false, enumerable: false, configurable: false });
	};
	var denyCall = deny('Date()');
	var denyNoArgs = deny('new Date()');

	function SafeDate() {
		if (!(this instanceof SafeDate)) {
			return denyCall();
		}
		if (arguments.length === 0) {
			return denyNoArgs();
		}
		return construct(RealDate, apply(slice, arguments, []));
	}
	SafeDate.prototype = RealDate.prototype;
	SafeDate.UTC = RealDate.UTC;
	SafeDate.parse = RealDate.parse;
	lock(SafeDate, 'now', deny('Date.now'));
	lock(RealDate.prototype, 'constructor', SafeDate);
	lock(RealDate, 'now', deny('Date.now'));

	lock(Math, 'random', deny('Math.random'));

	var literals = [function () {}, function* () {}, async function () {}];
	for (var i = 0; i < literals.length; i++) {
		lock(Object.getPrototypeOf(literals[i]), 'constructor', deny('Function'));
	}
	return SafeDate;
})`

// installGuard arms the permission guard on a fresh runtime.
func (vm *VM) installGuard() error {
	rt := vm.rt
	global := rt.GlobalObject()

	prelude, err := rt.RunString(guardPrelude)
	if err != nil {
		return fmt.Errorf("sandbox: compile guard: %w", err)
	}
	install, ok := goja.AssertFunction(prelude)
	if !ok {
		return fmt.Errorf("sandbox: guard prelude is not a function")
	}
	factory := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(vm.denyStub(call.Argument(0).String()))
	})
	safeDate, err := install(goja.Undefined(), factory)
	if err != nil {
		return fmt.Errorf("sandbox: install guard: %w", err)
	}
	if err := global.DefineDataProperty("Date", safeDate, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
		return fmt.Errorf("sandbox: lock Date: %w", err)
	}

	for _, name := range deniedGlobals {
		stub := rt.ToValue(vm.denyStub(name))
		if err := global.DefineDataProperty(name, stub, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return fmt.Errorf("sandbox: lock %s: %w", name, err)
		}
	}
	for _, name := range removedGlobals {
		if err := global.DefineDataProperty(name, goja.Undefined(), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return fmt.Errorf("sandbox: remove %s: %w", name, err)
		}
	}
	return nil
}

// denyStub returns a native function that records a violation and throws.
func (vm *VM) denyStub(capability string) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		perr := &PermissionError{Capability: capability}
		if vm.violation == nil {
			vm.violation = perr
		}
		panic(vm.rt.NewTypeError("%s", perr.Error()))
	}
}
