// Package configurator implements the per-class registry (§4.A): identity,
// lookup, init and the five method-classification predicates a proxy
// consults to build its handler queue.
package configurator

import (
	"context"
	"fmt"
	"sync"

	"github.com/txproxy/txproxy/internal/storage"
)

// IDFunc derives a stable identifier for an existing instance of the class.
type IDFunc func(obj any) (string, error)

// LookupFunc retrieves an existing instance of the class by identifier.
type LookupFunc func(ctx context.Context, id string) (any, error)

// InitFunc creates a fresh, unsaved instance of the class.
type InitFunc func(ctx context.Context) (any, error)

// MethodInvoker performs a named reader/writer/persistence/destruction call on
// obj. This is the Go reimplementation's "boxed, dyn-dispatched adapter
// interface" (§9): Go has no runtime method-body interception, so the host
// registers one invoker per class rather than the engine reaching for it via
// reflection.
type MethodInvoker func(ctx context.Context, obj any, method string, args ...any) (any, error)

// ProxyHandle is what a dynamic attribute reader receives in place of the raw
// underlying object, so that any reader/writer call it makes re-enters the
// proxy's normal interception instead of bypassing it (§9 open question).
type ProxyHandle interface {
	Call(ctx context.Context, method string, args ...any) (any, error)
	ObjectKey() string
}

// DynamicReaderFunc is a host-registered function standing in for a method
// whose source body the original dynamic-proxy implementation would have
// re-evaluated at runtime.
type DynamicReaderFunc func(ctx context.Context, proxy ProxyHandle, args ...any) (any, error)

// MethodPredicate classifies method names for one of the five predicates in
// §4.A. It may be a blanket boolean, an explicit name set, or an arbitrary
// function, matching the source's "literal, predicate, or method-name set".
type MethodPredicate struct {
	always *bool
	names  map[string]struct{}
	fn     func(string) bool
}

// Always returns a predicate that answers the same value for every method name.
func Always(v bool) MethodPredicate { return MethodPredicate{always: &v} }

// Names returns a predicate matching exactly the given method names.
func Names(names ...string) MethodPredicate {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return MethodPredicate{names: set}
}

// Func returns a predicate backed by an arbitrary function.
func Func(fn func(string) bool) MethodPredicate { return MethodPredicate{fn: fn} }

func (p MethodPredicate) isZero() bool {
	return p.always == nil && p.names == nil && p.fn == nil
}

// Match reports whether method satisfies the predicate.
func (p MethodPredicate) Match(method string) bool {
	switch {
	case p.fn != nil:
		return p.fn(method)
	case p.names != nil:
		_, ok := p.names[method]
		return ok
	case p.always != nil:
		return *p.always
	default:
		return false
	}
}

// ClassConfig is everything the Configurator stores for one registered class
// (§4.A). Parent names the class this one inherits unresolved predicates and
// methods from; "" means this class is registered directly under the root.
type ClassConfig struct {
	Parent string

	IDMethod     IDFunc
	LookupMethod LookupFunc
	InitMethod   InitFunc
	Invoke       MethodInvoker

	AttributeReader        MethodPredicate
	AttributeWriter        MethodPredicate
	DynamicAttributeReader MethodPredicate
	PersistenceMethod      MethodPredicate
	DestructionMethod      MethodPredicate

	// DynamicReaders supplies the actual function for each method name
	// classified by DynamicAttributeReader; unlike the other four
	// predicates, the dynamic case additionally needs the function itself.
	DynamicReaders map[string]DynamicReaderFunc

	ProxyInstances      *bool
	MixinModuleProxies  *bool
	UseSpecializedProxy *bool
}

type registeredClass struct {
	name   string
	config ClassConfig
}

// Configurator is the engine-wide registry of class configurations (§4.A).
// Safe for concurrent use.
type Configurator struct {
	mu      sync.RWMutex
	classes map[string]*registeredClass
}

// New creates an empty Configurator.
func New() *Configurator {
	return &Configurator{classes: make(map[string]*registeredClass)}
}

// Register adds or replaces the configuration for className.
func (c *Configurator) Register(className string, cfg ClassConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classes[className] = &registeredClass{name: className, config: cfg}
}

// chain returns className's registered configs, className first, walking the
// parent pointers toward (but not including) the root.
func (c *Configurator) chain(className string) ([]*registeredClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var chain []*registeredClass
	seen := make(map[string]struct{})
	name := className
	for name != "" {
		if _, loop := seen[name]; loop {
			return nil, &storage.ConfigurationError{ClassName: className, Field: "parent",
				Cause: fmt.Errorf("cyclic parent chain at %q", name)}
		}
		seen[name] = struct{}{}

		rc, ok := c.classes[name]
		if !ok {
			if name == className {
				return nil, &storage.ConfigurationError{ClassName: className, Field: "class",
					Cause: fmt.Errorf("class %q is not registered", className)}
			}
			break
		}
		chain = append(chain, rc)
		name = rc.config.Parent
	}
	return chain, nil
}

// IDMethod resolves className's id_method along the parent chain.
func (c *Configurator) IDMethod(className string) (IDFunc, error) {
	chain, err := c.chain(className)
	if err != nil {
		return nil, err
	}
	for _, rc := range chain {
		if rc.config.IDMethod != nil {
			return rc.config.IDMethod, nil
		}
	}
	return nil, &storage.ConfigurationError{ClassName: className, Field: "id_method",
		Cause: fmt.Errorf("no id_method registered for %q or its ancestors", className)}
}

// LookupMethod resolves className's lookup_method along the parent chain.
func (c *Configurator) LookupMethod(className string) (LookupFunc, error) {
	chain, err := c.chain(className)
	if err != nil {
		return nil, err
	}
	for _, rc := range chain {
		if rc.config.LookupMethod != nil {
			return rc.config.LookupMethod, nil
		}
	}
	return nil, &storage.ConfigurationError{ClassName: className, Field: "lookup_method",
		Cause: fmt.Errorf("no lookup_method registered for %q or its ancestors", className)}
}

// InitMethod resolves className's init_method along the parent chain.
func (c *Configurator) InitMethod(className string) (InitFunc, error) {
	chain, err := c.chain(className)
	if err != nil {
		return nil, err
	}
	for _, rc := range chain {
		if rc.config.InitMethod != nil {
			return rc.config.InitMethod, nil
		}
	}
	return nil, &storage.ConfigurationError{ClassName: className, Field: "init_method",
		Cause: fmt.Errorf("no init_method registered for %q or its ancestors", className)}
}

// Invoke resolves className's method invoker along the parent chain and calls it.
func (c *Configurator) Invoke(ctx context.Context, className string, obj any, method string, args ...any) (any, error) {
	chain, err := c.chain(className)
	if err != nil {
		return nil, err
	}
	for _, rc := range chain {
		if rc.config.Invoke != nil {
			return rc.config.Invoke(ctx, obj, method, args...)
		}
	}
	return nil, &storage.ConfigurationError{ClassName: className, Field: "invoke",
		Cause: fmt.Errorf("no method invoker registered for %q or its ancestors", className)}
}

func (c *Configurator) predicate(className string, pick func(ClassConfig) MethodPredicate) MethodPredicate {
	chain, err := c.chain(className)
	if err != nil {
		return MethodPredicate{}
	}
	for _, rc := range chain {
		if p := pick(rc.config); !p.isZero() {
			return p
		}
	}
	return MethodPredicate{}
}

// IsAttributeReader reports whether method is a reader for className.
func (c *Configurator) IsAttributeReader(className, method string) bool {
	return c.predicate(className, func(cc ClassConfig) MethodPredicate { return cc.AttributeReader }).Match(method)
}

// IsAttributeWriter reports whether method is a writer for className.
func (c *Configurator) IsAttributeWriter(className, method string) bool {
	return c.predicate(className, func(cc ClassConfig) MethodPredicate { return cc.AttributeWriter }).Match(method)
}

// IsDynamicAttributeReader reports whether method is a dynamic reader for className.
func (c *Configurator) IsDynamicAttributeReader(className, method string) bool {
	return c.predicate(className, func(cc ClassConfig) MethodPredicate { return cc.DynamicAttributeReader }).Match(method)
}

// IsPersistenceMethod reports whether method is a persistence method for className.
func (c *Configurator) IsPersistenceMethod(className, method string) bool {
	return c.predicate(className, func(cc ClassConfig) MethodPredicate { return cc.PersistenceMethod }).Match(method)
}

// IsDestructionMethod reports whether method is a destruction method for className.
func (c *Configurator) IsDestructionMethod(className, method string) bool {
	return c.predicate(className, func(cc ClassConfig) MethodPredicate { return cc.DestructionMethod }).Match(method)
}

// DynamicReader resolves the function registered for a dynamic-reader method
// name, walking the parent chain.
func (c *Configurator) DynamicReader(className, method string) (DynamicReaderFunc, bool) {
	chain, err := c.chain(className)
	if err != nil {
		return nil, false
	}
	for _, rc := range chain {
		if rc.config.DynamicReaders == nil {
			continue
		}
		if fn, ok := rc.config.DynamicReaders[method]; ok {
			return fn, true
		}
	}
	return nil, false
}

func (c *Configurator) flag(className string, pick func(ClassConfig) *bool) bool {
	chain, err := c.chain(className)
	if err != nil {
		return false
	}
	for _, rc := range chain {
		if v := pick(rc.config); v != nil {
			return *v
		}
	}
	return false
}

// ProxyInstances reports whether instances of className should be proxied.
func (c *Configurator) ProxyInstances(className string) bool {
	return c.flag(className, func(cc ClassConfig) *bool { return cc.ProxyInstances })
}

// MixinModuleProxies reports whether className's mixin modules should also be proxied.
func (c *Configurator) MixinModuleProxies(className string) bool {
	return c.flag(className, func(cc ClassConfig) *bool { return cc.MixinModuleProxies })
}

// UseSpecializedProxy reports whether className requests a specialized proxy implementation.
func (c *Configurator) UseSpecializedProxy(className string) bool {
	return c.flag(className, func(cc ClassConfig) *bool { return cc.UseSpecializedProxy })
}
