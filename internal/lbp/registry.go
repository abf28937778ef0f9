// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package lbp

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps card nodes to their contexts.
type Registry struct {
	mu sync.RWMutex
	m  map[Key]*Context
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[Key]*Context)}
}

func (r *Registry) Add(c *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.m[c.Key]; found {
		return fmt.Errorf("%v: duplicate", c.Key)
	}
	r.m[c.Key] = c
	return nil
}

func (r *Registry) Get(k Key) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, found := r.m[k]
	if !found {
		return nil, fmt.Errorf("%v: not found", k)
	}
	return c, nil
}

// Remove returns the removed context, nil if there wasn't one.
func (r *Registry) Remove(k Key) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.m[k]
	delete(r.m, k)
	return c
}

// Keys in card then node order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Card != keys[j].Card {
			return keys[i].Card < keys[j].Card
		}
		return keys[i].Node < keys[j].Node
	})
	return keys
}

// Each calls fn for every context in Keys order.
func (r *Registry) Each(fn func(*Context)) {
	for _, k := range r.Keys() {
		if c, err := r.Get(k); err == nil {
			fn(c)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
