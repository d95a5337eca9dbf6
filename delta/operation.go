// Package delta describes edits as retain/insert/delete sequences over a
// document's runes. Local edits are expressed as deltas and converted into
// replicated updates by the crdt package.
package delta

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalid is returned for components that set no field, several fields,
// or a negative count.
var ErrInvalid = errors.New("invalid delta")

// Component is one step of an Operation. Exactly one field is set.
type Component struct {
	Retain int    `json:"retain,omitempty"`
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
}

func (c Component) IsRetain() bool { return c.Retain > 0 && c.Insert == "" && c.Delete == 0 }
func (c Component) IsInsert() bool { return c.Insert != "" && c.Retain == 0 && c.Delete == 0 }
func (c Component) IsDelete() bool { return c.Delete > 0 && c.Insert == "" && c.Retain == 0 }

// Operation walks a cursor through the document, left to right.
type Operation struct {
	Ops []Component `json:"ops"`
}

// Validate reports the first malformed component.
func (op Operation) Validate() error {
	for i, c := range op.Ops {
		if c.Retain < 0 || c.Delete < 0 {
			return fmt.Errorf("component %d: negative count: %w", i, ErrInvalid)
		}
		if !c.IsRetain() && !c.IsInsert() && !c.IsDelete() {
			return fmt.Errorf("component %d: want exactly one of retain, insert, delete: %w", i, ErrInvalid)
		}
	}
	return nil
}

// BaseLen is the rune length of the document the operation applies to.
func (op Operation) BaseLen() int {
	n := 0
	for _, c := range op.Ops {
		n += c.Retain + c.Delete
	}
	return n
}

// TargetLen is the rune length of the result.
func (op Operation) TargetLen() int {
	n := 0
	for _, c := range op.Ops {
		n += c.Retain + utf8.RuneCountInString(c.Insert)
	}
	return n
}

// IsNoop reports whether the operation leaves the document unchanged.
func (op Operation) IsNoop() bool {
	for _, c := range op.Ops {
		if c.Insert != "" || c.Delete > 0 {
			return false
		}
	}
	return true
}

func (op Operation) String() string {
	parts := make([]string, 0, len(op.Ops))
	for _, c := range op.Ops {
		switch {
		case c.IsRetain():
			parts = append(parts, fmt.Sprintf("r%d", c.Retain))
		case c.IsInsert():
			parts = append(parts, fmt.Sprintf("i%q", c.Insert))
		case c.IsDelete():
			parts = append(parts, fmt.Sprintf("d%d", c.Delete))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Apply runs op over doc.
func Apply(doc string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	runes := []rune(doc)
	if len(runes) != op.BaseLen() {
		return "", fmt.Errorf("document length %d != operation base length %d", len(runes), op.BaseLen())
	}
	out := make([]rune, 0, op.TargetLen())
	cur := 0
	for _, c := range op.Ops {
		out = append(out, runes[cur:cur+c.Retain]...)
		out = append(out, []rune(c.Insert)...)
		cur += c.Retain + c.Delete
	}
	return string(out), nil
}

// Builder accumulates components, merging neighbours of the same kind and
// dropping empty ones.
type Builder struct {
	ops []Component
}

func (b *Builder) Retain(n int) *Builder {
	if n <= 0 {
		return b
	}
	if last := b.last(); last != nil && last.IsRetain() {
		last.Retain += n
		return b
	}
	b.ops = append(b.ops, Component{Retain: n})
	return b
}

func (b *Builder) Insert(s string) *Builder {
	if s == "" {
		return b
	}
	if last := b.last(); last != nil && last.IsInsert() {
		last.Insert += s
		return b
	}
	b.ops = append(b.ops, Component{Insert: s})
	return b
}

func (b *Builder) Delete(n int) *Builder {
	if n <= 0 {
		return b
	}
	if last := b.last(); last != nil && last.IsDelete() {
		last.Delete += n
		return b
	}
	b.ops = append(b.ops, Component{Delete: n})
	return b
}

func (b *Builder) Build() Operation {
	return Operation{Ops: b.ops}
}

func (b *Builder) last() *Component {
	if len(b.ops) == 0 {
		return nil
	}
	return &b.ops[len(b.ops)-1]
}

// NewInsert inserts text at pos in a document of docLen runes.
func NewInsert(pos int, text string, docLen int) Operation {
	var b Builder
	return b.Retain(pos).Insert(text).Retain(docLen - pos).Build()
}

// NewDelete removes count runes at pos in a document of docLen runes.
func NewDelete(pos, count, docLen int) Operation {
	var b Builder
	return b.Retain(pos).Delete(count).Retain(docLen - pos - count).Build()
}

// Append adds text to the end of a document of docLen runes.
func Append(text string, docLen int) Operation {
	return NewInsert(docLen, text, docLen)
}

// Between returns the operation that turns from into to, replacing the span
// between their common prefix and common suffix.
func Between(from, to string) Operation {
	a, b := []rune(from), []rune(to)
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}
	var ops Builder
	return ops.Retain(pre).
		Delete(len(a) - pre - suf).
		Insert(string(b[pre : len(b)-suf])).
		Retain(suf).
		Build()
}
