package ot

// Priority breaks ties between two inserts at the same position. The two sides
// of a concurrent pair must be transformed with opposite priorities.
type Priority int

const (
	// PriorityLeft keeps the transformed insert in place on a tie.
	PriorityLeft Priority = iota
	// PriorityRight moves the transformed insert after the other one on a tie.
	PriorityRight
)

// DefaultPriority is used when the caller has no author ordering of its own.
const DefaultPriority = PriorityLeft

func (p Priority) Opposite() Priority {
	if p == PriorityLeft {
		return PriorityRight
	}
	return PriorityLeft
}

// Transform rewrites a so it can be applied to content that already reflects
// b, where both were computed against the same base. The result is usually a
// single operation; a delete that spans a concurrent insert is split in two,
// and a delete fully covered by b disappears.
func Transform(a, b Operation, p Priority) []Operation {
	if a.Type == OpRetain || b.Type == OpRetain {
		return []Operation{a}
	}

	switch {
	case a.Type == OpInsert && b.Type == OpInsert:
		return []Operation{insertAfterInsert(a, b, p)}
	case a.Type == OpInsert && b.Type == OpDelete:
		return []Operation{insertAfterDelete(a, b)}
	case a.Type == OpDelete && b.Type == OpInsert:
		return deleteAfterInsert(a, b)
	case a.Type == OpDelete && b.Type == OpDelete:
		return deleteAfterDelete(a, b)
	}
	return []Operation{a}
}

func insertAfterInsert(a, b Operation, p Priority) Operation {
	if b.Position < a.Position || (b.Position == a.Position && p == PriorityRight) {
		a.Position += b.Size()
	}
	return a
}

func insertAfterDelete(a, b Operation) Operation {
	end := b.Position + b.Length
	switch {
	case a.Position <= b.Position:
	case a.Position >= end:
		a.Position -= b.Length
	default:
		a.Position = b.Position
	}
	return a
}

func deleteAfterInsert(a, b Operation) []Operation {
	end := a.Position + a.Length
	switch {
	case b.Position <= a.Position:
		a.Position += b.Size()
		return []Operation{a}
	case b.Position >= end:
		return []Operation{a}
	}
	// The insert landed inside the range: delete around it, tail first so the
	// head's position is still valid.
	tail := Delete(b.Position+b.Size(), end-b.Position)
	head := Delete(a.Position, b.Position-a.Position)
	return []Operation{tail, head}
}

func deleteAfterDelete(a, b Operation) []Operation {
	aEnd := a.Position + a.Length
	bEnd := b.Position + b.Length
	switch {
	case bEnd <= a.Position:
		a.Position -= b.Length
		return []Operation{a}
	case b.Position >= aEnd:
		return []Operation{a}
	}
	overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
	remaining := a.Length - overlap
	if remaining <= 0 {
		return nil
	}
	return []Operation{Delete(min(a.Position, b.Position), remaining)}
}

// TransformOps transforms two concurrent operation sequences against each
// other. a2 applies after b; b2 applies after a. Ties favour a under
// PriorityLeft.
func TransformOps(a, b []Operation, p Priority) (a2, b2 []Operation) {
	if len(a) == 0 || len(b) == 0 {
		return cloneOps(a), cloneOps(b)
	}
	if len(a) == 1 && len(b) == 1 {
		return Transform(a[0], b[0], p), Transform(b[0], a[0], p.Opposite())
	}
	if len(a) > 1 {
		head, bAfterHead := TransformOps(a[:1], b, p)
		rest, bAfterAll := TransformOps(a[1:], bAfterHead, p)
		return append(head, rest...), bAfterAll
	}
	aAfterFirst, first := TransformOps(a, b[:1], p)
	aAfterAll, rest := TransformOps(aAfterFirst, b[1:], p)
	return aAfterAll, append(first, rest...)
}

func cloneOps(ops []Operation) []Operation {
	if ops == nil {
		return nil
	}
	out := make([]Operation, len(ops))
	copy(out, ops)
	return out
}
