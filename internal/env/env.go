// Package env composes the environment handed to the backend process.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over a base taken from the current process.
type Env struct {
	Var  Var // overrides applied to every spawn (K->V)
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// Parse turns "K=V" entries into a map; malformed entries are skipped.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Merge composes OS base, then e.Var, then extra, expanding ${VAR}
// references against the composed map (one level, no recursion).
// The result is sorted by key.
func (e *Env) Merge(extra map[string]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for _, layer := range []map[string]string{e.base, e.Var, extra} {
		for k, v := range layer {
			if k != "" {
				m[k] = v
			}
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
