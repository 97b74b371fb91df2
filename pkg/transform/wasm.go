package transform

import (
	"context"
	"fmt"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// WASMTransform runs a user-supplied WebAssembly module as a plugin step.
//
// The module exchanges JSON records through its linear memory and must
// export:
//
//	alloc(size u32) -> ptr u32
//	transform(ptr u32, len u32) -> u64   // (result_ptr << 32) | result_len, 0 drops the event
//	dealloc(ptr u32, size u32)           // optional
//
// Plugins are libraries (Rust cdylib, TinyGo); _start is never run.
//
//	type: plugin
//	config:
//	  path: ./plugins/score.wasm
//	  function: transform
type WASMTransform struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	funcName string

	// instances are not safe for concurrent calls; each partition worker
	// borrows one from the pool.
	pool sync.Pool
}

type wasmInstance struct {
	mod       api.Module
	alloc     api.Function
	dealloc   api.Function
	transform api.Function
}

// NewWASMTransform compiles the module at path. funcName defaults to
// "transform".
func NewWASMTransform(path, funcName string) (*WASMTransform, error) {
	if funcName == "" {
		funcName = "transform"
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasm read %s: %w", path, err)
	}

	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm compile: %w", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{"alloc", funcName} {
		if _, ok := exports[name]; !ok {
			rt.Close(ctx)
			return nil, fmt.Errorf("wasm module %s does not export %q", path, name)
		}
	}
	return &WASMTransform{runtime: rt, compiled: compiled, funcName: funcName}, nil
}

func (wt *WASMTransform) acquire(ctx context.Context) (*wasmInstance, error) {
	if v := wt.pool.Get(); v != nil {
		return v.(*wasmInstance), nil
	}
	cfg := wazero.NewModuleConfig().
		WithStderr(os.Stderr).
		WithStartFunctions().
		WithName("")
	mod, err := wt.runtime.InstantiateModule(ctx, wt.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("wasm instantiate: %w", err)
	}
	return &wasmInstance{
		mod:       mod,
		alloc:     mod.ExportedFunction("alloc"),
		dealloc:   mod.ExportedFunction("dealloc"),
		transform: mod.ExportedFunction(wt.funcName),
	}, nil
}

// Func returns the step function. A zero result from the plugin filters
// the event.
func (wt *WASMTransform) Func() Func {
	return func(ctx context.Context, _ *v1.DataEvent, payload map[string]any) (map[string]any, error) {
		in, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wasm encode input: %w", err)
		}

		inst, err := wt.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer wt.pool.Put(inst)

		res, err := inst.alloc.Call(ctx, uint64(len(in)))
		if err != nil {
			return nil, fmt.Errorf("wasm alloc: %w", err)
		}
		inPtr := uint32(res[0])
		mem := inst.mod.Memory()
		if !mem.Write(inPtr, in) {
			return nil, fmt.Errorf("wasm write out of bounds (ptr=%d, len=%d)", inPtr, len(in))
		}

		res, err = inst.transform.Call(ctx, uint64(inPtr), uint64(len(in)))
		if err != nil {
			return nil, fmt.Errorf("wasm %s: %w", wt.funcName, err)
		}
		wt.free(ctx, inst, inPtr, uint32(len(in)))

		packed := res[0]
		if packed == 0 {
			return nil, ErrFiltered
		}
		outPtr, outLen := uint32(packed>>32), uint32(packed)
		view, ok := mem.Read(outPtr, outLen)
		if !ok {
			return nil, fmt.Errorf("wasm read out of bounds (ptr=%d, len=%d)", outPtr, outLen)
		}
		out := append([]byte(nil), view...)
		wt.free(ctx, inst, outPtr, outLen)

		var result map[string]any
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(out, &result); err != nil {
			return nil, fmt.Errorf("wasm decode output: %w (raw: %s)", err, out)
		}
		return result, nil
	}
}

func (wt *WASMTransform) free(ctx context.Context, inst *wasmInstance, ptr, size uint32) {
	if inst.dealloc != nil {
		_, _ = inst.dealloc.Call(ctx, uint64(ptr), uint64(size))
	}
}

// Close releases the runtime and every instance.
func (wt *WASMTransform) Close() error {
	return wt.runtime.Close(context.Background())
}
