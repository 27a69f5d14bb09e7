package versions

import (
	"sort"

	"tandem/api/internal/store"
)

type Comparison struct {
	FromVersion  int      `json:"fromVersion"`
	ToVersion    int      `json:"toVersion"`
	Added        []string `json:"added"`
	Modified     []string `json:"modified"`
	Deleted      []string `json:"deleted"`
	TotalChanges int      `json:"totalChanges"`
}

// Compare diffs the file sets of two versions. A version's files are its
// recorded changes.files plus its snapshot keys. A file present in both is
// modified when its snapshot content differs (only when both snapshots
// exist) or when it sits in exactly one of the two modified sets.
func Compare(from, to store.VersionRecord) Comparison {
	fromFiles := fileSet(from)
	toFiles := fileSet(to)
	fromModified := toSet(from.Changes.Modified)
	toModified := toSet(to.Changes.Modified)
	bothSnapshots := from.Snapshot != nil && to.Snapshot != nil

	out := Comparison{
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Added:       []string{},
		Modified:    []string{},
		Deleted:     []string{},
	}
	for file := range toFiles {
		if !fromFiles[file] {
			out.Added = append(out.Added, file)
			continue
		}
		if fromModified[file] != toModified[file] {
			out.Modified = append(out.Modified, file)
			continue
		}
		if bothSnapshots && from.Snapshot[file] != to.Snapshot[file] {
			out.Modified = append(out.Modified, file)
		}
	}
	for file := range fromFiles {
		if !toFiles[file] {
			out.Deleted = append(out.Deleted, file)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Modified)
	sort.Strings(out.Deleted)
	out.TotalChanges = len(out.Added) + len(out.Modified) + len(out.Deleted)
	return out
}

// Summarize describes the move from prev to next snapshot.
func Summarize(prev, next map[string]string) store.ChangeSummary {
	summary := normalizeSummary(store.ChangeSummary{})
	for file, content := range next {
		summary.Files = append(summary.Files, file)
		old, existed := prev[file]
		switch {
		case !existed:
			summary.Added = append(summary.Added, file)
		case old != content:
			summary.Modified = append(summary.Modified, file)
		}
	}
	for file := range prev {
		if _, kept := next[file]; !kept {
			summary.Deleted = append(summary.Deleted, file)
		}
	}
	sort.Strings(summary.Files)
	sort.Strings(summary.Added)
	sort.Strings(summary.Modified)
	sort.Strings(summary.Deleted)
	return summary
}

func fileSet(v store.VersionRecord) map[string]bool {
	out := toSet(v.Changes.Files)
	for file := range v.Snapshot {
		out[file] = true
	}
	return out
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

func normalizeSummary(in store.ChangeSummary) store.ChangeSummary {
	fix := func(items []string) []string {
		if items == nil {
			return []string{}
		}
		out := make([]string, len(items))
		copy(out, items)
		return out
	}
	return store.ChangeSummary{
		Files:    fix(in.Files),
		Added:    fix(in.Added),
		Modified: fix(in.Modified),
		Deleted:  fix(in.Deleted),
	}
}
