// Package proxy implements the Object Proxy (§4.G): the transparent wrapper
// the application calls into, which classifies each call against the
// configurator and routes it through the active transaction instead of the
// underlying object directly.
package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/txproxy/txproxy/internal/txengine/configurator"
	"github.com/txproxy/txproxy/internal/txengine/manager"
	"github.com/txproxy/txproxy/internal/txengine/transaction"
)

// Proxy wraps one application object. It implements configurator.ProxyHandle
// so a dynamic attribute reader can route its own reader/writer calls back
// through interception instead of touching the underlying object directly.
type Proxy struct {
	className string
	objectID  string
	underlying any
	isNew      bool
	cfg        *configurator.Configurator

	// Rewrap re-wraps a value returned by the passthrough fallback, if its
	// class is configured for proxying. Left nil, the fallback returns values
	// unwrapped. Set by whatever owns the proxy cache, to avoid this package
	// depending on it (proxycache depends on proxy, not the reverse).
	Rewrap func(ctx context.Context, result any) (any, error)
}

// New wraps underlying, already identified by className/objectID. isNew
// marks an object born in the current transaction (not yet published).
func New(className, objectID string, underlying any, isNew bool, cfg *configurator.Configurator) *Proxy {
	return &Proxy{className: className, objectID: objectID, underlying: underlying, isNew: isNew, cfg: cfg}
}

// ObjectKey implements configurator.ProxyHandle.
func (p *Proxy) ObjectKey() string { return p.className + "/" + p.objectID }

// ClassName reports the proxied object's configured class.
func (p *Proxy) ClassName() string { return p.className }

// Underlying returns the wrapped object, unproxied.
func (p *Proxy) Underlying() any { return p.underlying }

// IsNew reports whether the object was created in the current transaction.
func (p *Proxy) IsNew() bool { return p.isNew }

func (p *Proxy) attributeKey(attr string) string { return p.ObjectKey() + "/" + attr }

type handlerFunc func(context.Context, *transaction.Transaction, string, []any) (any, error)

// Call implements configurator.ProxyHandle and is the single entry point for
// every intercepted method call (§4.G steps 1-4).
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	tx, ok := manager.Current(ctx)
	if !ok {
		return nil, fmt.Errorf("proxy: %s called on %s outside an active transaction", method, p.ObjectKey())
	}

	var queue []handlerFunc
	if p.cfg.IsAttributeWriter(p.className, method) {
		queue = append(queue, p.attributeChangeHandler)
	}
	if p.cfg.IsAttributeReader(p.className, method) {
		queue = append(queue, p.attributeReadHandler)
	}
	if p.cfg.IsDynamicAttributeReader(p.className, method) {
		queue = append(queue, p.dynamicAttributeReadHandler)
	}
	if p.cfg.IsPersistenceMethod(p.className, method) {
		queue = append(queue, p.objectPersistenceHandler)
	}
	if p.cfg.IsDestructionMethod(p.className, method) {
		queue = append(queue, p.objectDestructionHandler)
	}

	if len(queue) == 0 {
		return p.fallback(ctx, method, args)
	}

	var result any
	for i, h := range queue {
		v, err := h(ctx, tx, method, args)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = v
		}
	}
	return result, nil
}

// fallback forwards an unclassified call straight to the underlying object,
// re-wrapping the result when the caller has wired Rewrap and the returned
// object's class is configured for proxying (§4.G step 3).
func (p *Proxy) fallback(ctx context.Context, method string, args []any) (any, error) {
	result, err := p.cfg.Invoke(ctx, p.className, p.underlying, method, args...)
	if err != nil {
		return nil, err
	}
	if p.Rewrap == nil || result == nil {
		return result, nil
	}
	if wrapped, werr := p.Rewrap(ctx, result); werr == nil && wrapped != nil {
		return wrapped, nil
	}
	return result, nil
}

// attributeChangeHandler implements §4.G's attribute_change_handler: the
// attribute name is the method with any trailing "=" stripped; the prior
// value comes from a matching reader call if one is configured, else the
// zero value.
func (p *Proxy) attributeChangeHandler(ctx context.Context, tx *transaction.Transaction, method string, args []any) (any, error) {
	attr := strings.TrimSuffix(method, "=")
	var old any
	if p.cfg.IsAttributeReader(p.className, attr) {
		v, err := p.cfg.Invoke(ctx, p.className, p.underlying, attr)
		if err != nil {
			return nil, err
		}
		old = v
	}
	var newVal any
	if len(args) > 0 {
		newVal = args[0]
	}
	tx.LogAttributeChange(p.ObjectKey(), p.attributeKey(attr), p.isNew, old, newVal, attr, method)
	return newVal, nil
}

// attributeReadHandler implements §4.G's attribute_read_handler: a write-set
// hit wins over a read-set hit, which wins over asking the underlying object.
func (p *Proxy) attributeReadHandler(ctx context.Context, tx *transaction.Transaction, method string, args []any) (any, error) {
	attrKey := p.attributeKey(method)

	if tx.AttributeChanged(attrKey) {
		v, _ := tx.AttributeValue(attrKey)
		if err := tx.VerifyAttributeIntegrity(ctx, attrKey, false); err != nil {
			return nil, err
		}
		return v, nil
	}
	if v, ok := tx.ReadAttributeValue(attrKey); ok {
		if err := tx.VerifyAttributeIntegrity(ctx, attrKey, false); err != nil {
			return nil, err
		}
		return v, nil
	}

	v, err := p.cfg.Invoke(ctx, p.className, p.underlying, method, args...)
	if err != nil {
		return nil, err
	}
	tx.LogAttributeRead(p.ObjectKey(), attrKey, p.isNew, v, method)
	return v, nil
}

// dynamicAttributeReadHandler implements §4.G's dynamic_attribute_read_handler:
// the host-registered function receives this proxy so its own reader/writer
// calls re-enter interception (§9).
func (p *Proxy) dynamicAttributeReadHandler(ctx context.Context, tx *transaction.Transaction, method string, args []any) (any, error) {
	fn, ok := p.cfg.DynamicReader(p.className, method)
	if !ok {
		return nil, fmt.Errorf("proxy: no dynamic reader registered for %s#%s", p.className, method)
	}
	return fn(ctx, p, args...)
}

// objectPersistenceHandler implements §4.G's object_persistence_handler.
func (p *Proxy) objectPersistenceHandler(ctx context.Context, tx *transaction.Transaction, method string, args []any) (any, error) {
	tx.LogObjectPersistence(p.ObjectKey(), p.isNew, method, args...)
	return true, nil
}

// objectDestructionHandler mirrors objectPersistenceHandler for
// destruction_method? classified calls — not named in §4.G's prose handler
// list, but destruction_method? and object_destruction both exist as first-
// class concepts in §4.A/§4.C and need a call site or they're dead weight.
func (p *Proxy) objectDestructionHandler(ctx context.Context, tx *transaction.Transaction, method string, args []any) (any, error) {
	tx.LogObjectDestruction(p.ObjectKey(), p.isNew, method)
	return true, nil
}
