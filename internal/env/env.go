// Package env composes environments for the child processes the updater
// spawns (dependency install, direct-mode server start).
package env

import (
	"os"
	"sort"
	"strings"
)

// Env is an ordered set of overrides applied on top of a base environment.
type Env struct {
	base      map[string]string
	overrides map[string]string
}

// New starts from the current process environment when inherit is true,
// otherwise from an empty one.
func New(inherit bool) *Env {
	e := &Env{base: map[string]string{}, overrides: map[string]string{}}
	if inherit {
		for k, v := range parse(os.Environ()) {
			e.base[k] = v
		}
	}
	return e
}

// Set overrides a single variable.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.overrides[k] = v
	}
	return e
}

// Apply overrides variables from a list of K=V pairs; malformed entries are skipped.
func (e *Env) Apply(kvs []string) *Env {
	for k, v := range parse(kvs) {
		e.overrides[k] = v
	}
	return e
}

// List returns the merged environment in K=V form, sorted by key, with
// ${VAR} references in values expanded against the merged set (one pass).
func (e *Env) List() []string {
	m := make(map[string]string, len(e.base)+len(e.overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.overrides {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		return m[name]
	})
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
