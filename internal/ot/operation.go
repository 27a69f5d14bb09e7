// Package ot implements the text operations exchanged by room clients and the
// pairwise transform used to reconcile two concurrent edits.
//
// Positions and lengths count Unicode code points.
package ot

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrNothingToCompose = errors.New("no changes to compose")
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpRetain OpType = "retain"
)

type Operation struct {
	Type     OpType `json:"type"`
	Position int    `json:"position,omitempty"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func Insert(position int, text string) Operation {
	return Operation{Type: OpInsert, Position: position, Text: text}
}

func Delete(position, length int) Operation {
	return Operation{Type: OpDelete, Position: position, Length: length}
}

func Retain(length int) Operation {
	return Operation{Type: OpRetain, Length: length}
}

// Size is the number of code points the operation inserts or removes.
func (o Operation) Size() int {
	switch o.Type {
	case OpInsert:
		return len([]rune(o.Text))
	case OpDelete:
		return o.Length
	default:
		return 0
	}
}

func (o Operation) Validate() error {
	switch o.Type {
	case OpInsert:
		if o.Position < 0 {
			return fmt.Errorf("%w: insert position %d", ErrInvalidOperation, o.Position)
		}
		if o.Text == "" {
			return fmt.Errorf("%w: insert without text", ErrInvalidOperation)
		}
	case OpDelete:
		if o.Position < 0 || o.Length < 0 {
			return fmt.Errorf("%w: delete position %d length %d", ErrInvalidOperation, o.Position, o.Length)
		}
	case OpRetain:
		if o.Length < 0 {
			return fmt.Errorf("%w: retain length %d", ErrInvalidOperation, o.Length)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, o.Type)
	}
	return nil
}

// Change is an ordered batch of operations authored against BaseVersion.
type Change struct {
	Operations  []Operation `json:"operations"`
	BaseVersion int         `json:"baseVersion"`
	AuthorID    string      `json:"authorId,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (c Change) Validate() error {
	for i, op := range c.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

func (c Change) ApplyTo(content string) string {
	return ApplyAll(content, c.Operations)
}

// Apply returns content with op applied. Out of range positions and lengths
// are clamped to the content bounds.
func Apply(content string, op Operation) string {
	switch op.Type {
	case OpInsert:
		runes := []rune(content)
		pos := clamp(op.Position, 0, len(runes))
		out := make([]rune, 0, len(runes)+len(op.Text))
		out = append(out, runes[:pos]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[pos:]...)
		return string(out)
	case OpDelete:
		runes := []rune(content)
		start := clamp(op.Position, 0, len(runes))
		end := clamp(op.Position+op.Length, start, len(runes))
		if start == end {
			return content
		}
		out := make([]rune, 0, len(runes)-(end-start))
		out = append(out, runes[:start]...)
		out = append(out, runes[end:]...)
		return string(out)
	default:
		return content
	}
}

func ApplyAll(content string, ops []Operation) string {
	for _, op := range ops {
		content = Apply(content, op)
	}
	return content
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
