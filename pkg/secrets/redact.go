package secrets

import (
	"io"
	"strings"
	"sync"
)

// Mask replaces secret literals in redacted output.
const Mask = "[REDACTED]"

// Redactor masks registered secret values in text. Registration is safe for
// concurrent use; values are never removed so output flushed after a
// credential scope exits stays masked.
type Redactor struct {
	mu       sync.RWMutex
	values   map[string]bool
	replacer *strings.Replacer
}

// NewRedactor creates an empty redactor.
func NewRedactor() *Redactor {
	return &Redactor{values: make(map[string]bool)}
}

// Add registers secret values for masking. Empty values are ignored.
func (r *Redactor) Add(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, v := range values {
		if v == "" || r.values[v] {
			continue
		}
		r.values[v] = true
		changed = true
	}
	if !changed {
		return
	}

	pairs := make([]string, 0, len(r.values)*2)
	for v := range r.values {
		pairs = append(pairs, v, Mask)
	}
	r.replacer = strings.NewReplacer(pairs...)
}

// Redact returns s with every registered secret value masked.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	rep := r.replacer
	r.mu.RUnlock()

	if rep == nil {
		return s
	}
	return rep.Replace(s)
}

// Wrap returns a writer that redacts each write before forwarding to w.
// Secrets split across write boundaries are not matched; buffered capture
// paths should redact the assembled buffer instead.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{r: r, w: w}
}

type redactingWriter struct {
	r *Redactor
	w io.Writer
}

func (rw *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(rw.w, rw.r.Redact(string(p))); err != nil {
		return 0, err
	}
	// Report the original length so callers don't see short writes when the
	// mask changes the byte count.
	return len(p), nil
}
