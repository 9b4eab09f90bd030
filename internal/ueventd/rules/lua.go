// SPDX-License-Identifier: Apache-2.0
//
// lua.go: embedded-script handler variant.
//
// Build with:
//
//	go build -tags script_embedded ./...
//
// A rule file that is not a shell-executable is loaded into a fresh Lua
// state. The handler contract is deliberately thin: the script is expected
// to define a global function `run(phase)` which is called once per
// invocation; what it does with the exported environment variables is
// opaque to this package.

//go:build script_embedded

package rules

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

func newScriptHandler() (Handler, bool) {
	return &scriptHandler{}, true
}

type scriptHandler struct {
	path string
	L    *lua.LState
}

func (h *scriptHandler) Load(path string) error {
	h.path = path
	h.L = lua.NewState()
	if err := h.L.DoFile(path); err != nil {
		h.L.Close()
		h.L = nil
		return fmt.Errorf("rules: load script %q: %w", path, err)
	}
	return nil
}

// Run sets the exported environment as global Lua variables under an `env`
// table and calls the script's `run(phase)` function, if defined. A script
// with no `run` function is treated as inert (loaded once, never invoked).
func (h *scriptHandler) Run(env []string, phase string) error {
	if h.L == nil {
		return fmt.Errorf("rules: script %q not loaded", h.path)
	}

	envTable := h.L.NewTable()
	for _, kv := range env {
		name, value, ok := splitEnv(kv)
		if ok {
			envTable.RawSetString(name, lua.LString(value))
		}
	}
	h.L.SetGlobal("env", envTable)

	fn := h.L.GetGlobal("run")
	if fn.Type() != lua.LTFunction {
		return nil
	}

	return h.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, lua.LString(phase))
}

func (h *scriptHandler) Drop() {
	if h.L != nil {
		h.L.Close()
		h.L = nil
	}
}

func splitEnv(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
