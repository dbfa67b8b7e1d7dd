// Package environ implements hierarchical environment scopes with lazy
// ${VAR} interpolation.
package environ

import (
	"fmt"
	"strings"
)

// Scope is one level of a lexically nested environment. Lookups resolve
// innermost-first along the parent chain. A Scope never mutates its parent.
type Scope struct {
	parent *Scope
	vars   map[string]string
	strict bool
}

// NewScope creates a root scope seeded with the given variables. The scope
// takes ownership of vars; callers must not mutate the map afterwards.
func NewScope(vars map[string]string) *Scope {
	if vars == nil {
		vars = map[string]string{}
	}
	return &Scope{vars: vars}
}

// Derive creates a child scope layering vars over s. The child takes
// ownership of vars.
func (s *Scope) Derive(vars map[string]string) *Scope {
	if vars == nil {
		vars = map[string]string{}
	}
	return &Scope{parent: s, vars: vars, strict: s.strict}
}

// Strict returns a copy of s whose interpolation fails on undefined
// variables instead of substituting the empty string. Scopes derived from a
// strict scope are strict as well.
func (s *Scope) Strict() *Scope {
	return &Scope{parent: s.parent, vars: s.vars, strict: true}
}

// Resolve looks up name, walking the parent chain innermost-first.
func (s *Scope) Resolve(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return "", false
}

// Flatten materializes the scope as a flat mapping, with inner values
// shadowing outer ones.
func (s *Scope) Flatten() map[string]string {
	// Walk outermost-first so inner assignments win.
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	flat := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			flat[k] = v
		}
	}
	return flat
}

// Interpolate substitutes every ${NAME} occurrence in template with the
// scope's value for NAME. Substitution is a single pass: substituted text is
// never re-expanded. "$$" escapes a literal dollar sign. Undefined variables
// become the empty string unless the scope is strict.
func (s *Scope) Interpolate(template string) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(template) && template[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}
		if i+1 >= len(template) || template[i+1] != '{' {
			out.WriteByte('$')
			i++
			continue
		}
		end := strings.IndexByte(template[i+2:], '}')
		if end < 0 {
			// Unterminated reference; keep the text as-is.
			out.WriteString(template[i:])
			break
		}
		name := template[i+2 : i+2+end]
		i += end + 3
		if !validName(name) {
			out.WriteString("${" + name + "}")
			continue
		}
		v, ok := s.Resolve(name)
		if !ok && s.strict {
			return "", fmt.Errorf("undefined variable %q", name)
		}
		out.WriteString(v)
	}

	return out.String(), nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
