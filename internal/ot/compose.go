package ot

// Compose folds changes computed against the same base into one net change.
// Each change is transformed against the accumulated result, with earlier
// changes winning insert ties. The result's BaseVersion is one past the
// highest input version.
//
// This is a two-operand fold. It is exact for two concurrent authors; three
// or more simultaneous authors are not guaranteed to converge.
func Compose(changes []Change) (Change, error) {
	if len(changes) == 0 {
		return Change{}, ErrNothingToCompose
	}
	for _, change := range changes {
		if err := change.Validate(); err != nil {
			return Change{}, err
		}
	}

	acc := cloneOps(changes[0].Operations)
	maxVersion := changes[0].BaseVersion
	latest := changes[0].Timestamp
	author := changes[0].AuthorID

	for _, next := range changes[1:] {
		transformed, _ := TransformOps(next.Operations, acc, PriorityRight)
		acc = append(acc, transformed...)
		if next.BaseVersion > maxVersion {
			maxVersion = next.BaseVersion
		}
		if next.Timestamp.After(latest) {
			latest = next.Timestamp
		}
		author = next.AuthorID
	}

	return Change{
		Operations:  acc,
		BaseVersion: maxVersion + 1,
		AuthorID:    author,
		Timestamp:   latest,
	}, nil
}
