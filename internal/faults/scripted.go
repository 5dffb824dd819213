package faults

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/observability"
)

// ScriptedFallback wraps a JavaScript recovery strategy. Scripts export a
// create(env) function returning an object with a category string and a
// handle(fault) function; handle returns truthy when the fault is resolved.
type ScriptedFallback struct {
	name     string
	category errs.Category

	mu      sync.Mutex
	vm      *goja.Runtime
	handler goja.Callable
	this    goja.Value
}

// Name identifies the script.
func (s *ScriptedFallback) Name() string { return s.name }

// Category returns the fault category the script recovers.
func (s *ScriptedFallback) Category() errs.Category { return s.category }

// Handle invokes the script's handle function with the fault record.
func (s *ScriptedFallback) Handle(record Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fault := s.vm.NewObject()
	_ = fault.Set("id", record.ID)
	_ = fault.Set("category", string(record.Category))
	_ = fault.Set("severity", string(record.Severity))
	_ = fault.Set("operation", record.Operation)
	_ = fault.Set("message", record.Message)
	_ = fault.Set("eventId", record.EventID)

	result, err := s.handler(s.this, fault)
	if err != nil {
		return false, fmt.Errorf("scripted fallback %s: %w", s.name, err)
	}
	return result != nil && result.ToBoolean(), nil
}

// LoadScriptedFallbacks compiles every .js file in dir into a fallback. A
// missing directory yields no fallbacks and no error.
func LoadScriptedFallbacks(dir string) ([]*ScriptedFallback, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fallback dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	fallbacks := make([]*ScriptedFallback, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fallback script %s: %w", path, err)
		}
		fb, err := compileFallback(strings.TrimSuffix(name, ".js"), string(src))
		if err != nil {
			return nil, err
		}
		observability.Log().Info("loaded scripted fallback",
			observability.F("script", name),
			observability.F("category", string(fb.category)))
		fallbacks = append(fallbacks, fb)
	}
	return fallbacks, nil
}

func compileFallback(name, src string) (*ScriptedFallback, error) {
	vm := goja.New()
	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("scripted fallback %s: compile: %w", name, err)
	}
	create, ok := goja.AssertFunction(vm.Get("create"))
	if !ok {
		return nil, fmt.Errorf("scripted fallback %s: create function required", name)
	}

	env := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		observability.Log().Info("fallback script log",
			observability.F("script", name),
			observability.F("message", strings.Join(parts, " ")))
		return goja.Undefined()
	}
	_ = env.Set("log", logFn)

	value, err := create(goja.Undefined(), env)
	if err != nil {
		return nil, fmt.Errorf("scripted fallback %s: create failed: %w", name, err)
	}
	obj := value.ToObject(vm)
	if obj == nil {
		return nil, fmt.Errorf("scripted fallback %s: create returned non-object", name)
	}

	categoryValue := obj.Get("category")
	if categoryValue == nil || goja.IsUndefined(categoryValue) || goja.IsNull(categoryValue) {
		return nil, fmt.Errorf("scripted fallback %s: category required", name)
	}
	category := errs.Category(categoryValue.String())
	if !validCategory(category) {
		return nil, fmt.Errorf("scripted fallback %s: unknown category %q", name, category)
	}
	handler, ok := goja.AssertFunction(obj.Get("handle"))
	if !ok {
		return nil, fmt.Errorf("scripted fallback %s: handle function required", name)
	}

	fb := new(ScriptedFallback)
	fb.name = name
	fb.category = category
	fb.vm = vm
	fb.handler = handler
	fb.this = obj
	return fb, nil
}

func validCategory(category errs.Category) bool {
	_, ok := defaultPolicies[category]
	return ok
}
