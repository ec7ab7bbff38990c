// Package events carries the DAV tree lifecycle notifications plugins subscribe to.
package events

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"sort"
	"sync"
)

// UnbindFunc runs after a node has been removed from the tree. path has no leading slash.
type UnbindFunc func(ctx context.Context, path string) error

// PropPatchFunc runs while a PROPPATCH (or extended MKCOL) is being applied to path.
type PropPatchFunc func(ctx context.Context, path string, pp *PropPatch) error

type Dispatcher struct {
	mu        sync.RWMutex
	unbind    []UnbindFunc
	propPatch []PropPatchFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) OnUnbind(fn UnbindFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbind = append(d.unbind, fn)
}

func (d *Dispatcher) OnPropPatch(fn PropPatchFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.propPatch = append(d.propPatch, fn)
}

// EmitUnbind calls every subscriber in registration order and joins their errors.
func (d *Dispatcher) EmitUnbind(ctx context.Context, path string) error {
	d.mu.RLock()
	subs := append([]UnbindFunc(nil), d.unbind...)
	d.mu.RUnlock()

	var errs []error
	for _, fn := range subs {
		if err := fn(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmitPropPatch lets every subscriber claim its properties, then commits the patch.
// Nothing is applied unless every requested property was claimed.
func (d *Dispatcher) EmitPropPatch(ctx context.Context, path string, pp *PropPatch) error {
	d.mu.RLock()
	subs := append([]PropPatchFunc(nil), d.propPatch...)
	d.mu.RUnlock()

	var errs []error
	for _, fn := range subs {
		if err := fn(ctx, path, pp); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	pp.Commit()
	return nil
}

// PropPatch is the set of properties a client asked to change. Subscribers claim the
// properties they own with Handle or HandleMany; Commit then runs the claims, but only
// when nothing stayed unclaimed.
type PropPatch struct {
	Path  string
	Props map[xml.Name]string

	mu      sync.Mutex
	claims  []claim
	claimed map[xml.Name]bool
	status  map[xml.Name]int
	errs    []error
}

type claim struct {
	names []xml.Name
	fn    func(values map[xml.Name]string) error
}

func NewPropPatch(path string, props map[xml.Name]string) *PropPatch {
	if props == nil {
		props = map[xml.Name]string{}
	}
	return &PropPatch{
		Path:    path,
		Props:   props,
		claimed: map[xml.Name]bool{},
		status:  map[xml.Name]int{},
	}
}

// Handle claims name, if the patch contains it and nobody claimed it yet. fn runs on
// Commit with the requested value.
func (p *PropPatch) Handle(name xml.Name, fn func(value string) error) {
	p.HandleMany([]xml.Name{name}, func(values map[xml.Name]string) error {
		return fn(values[name])
	})
}

// HandleMany claims the requested, still unclaimed properties among names and runs fn
// once for all of them on Commit.
func (p *PropPatch) HandleMany(names []xml.Name, fn func(values map[xml.Name]string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := claim{fn: fn}
	for _, name := range names {
		if _, ok := p.Props[name]; !ok || p.claimed[name] {
			continue
		}
		p.claimed[name] = true
		c.names = append(c.names, name)
	}
	if len(c.names) > 0 {
		p.claims = append(p.claims, c)
	}
}

// Commit runs the claims in order. It does nothing while a property is unclaimed and
// stops at the first failing claim; claims that never ran end up 424.
func (p *PropPatch) Commit() {
	if len(p.Unhandled()) > 0 {
		return
	}
	p.mu.Lock()
	claims := p.claims
	p.claims = nil
	p.mu.Unlock()

	for _, c := range claims {
		values := make(map[xml.Name]string, len(c.names))
		for _, name := range c.names {
			values[name] = p.Props[name]
		}
		err := c.fn(values)

		p.mu.Lock()
		st := http.StatusOK
		if err != nil {
			st = http.StatusForbidden
			p.errs = append(p.errs, err)
		}
		for _, name := range c.names {
			p.status[name] = st
		}
		p.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// Status returns the committed outcome for name, or 0 if it was not applied.
func (p *PropPatch) Status(name xml.Name) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status[name]
}

func (p *PropPatch) Unhandled() []xml.Name {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []xml.Name
	for name := range p.Props {
		if !p.claimed[name] {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Space != out[j].Space {
			return out[i].Space < out[j].Space
		}
		return out[i].Local < out[j].Local
	})
	return out
}

// Applied reports whether every requested property was committed successfully.
func (p *PropPatch) Applied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name := range p.Props {
		if p.status[name] != http.StatusOK {
			return false
		}
	}
	return true
}

// Results maps every requested property to its final status. Unclaimed and failed
// properties are 403, claimed ones that were not applied because of them are 424.
func (p *PropPatch) Results() map[xml.Name]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[xml.Name]int, len(p.Props))
	for name := range p.Props {
		switch st, ok := p.status[name]; {
		case ok:
			out[name] = st
		case p.claimed[name]:
			out[name] = http.StatusFailedDependency
		default:
			out[name] = http.StatusForbidden
		}
	}
	return out
}

func (p *PropPatch) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}
