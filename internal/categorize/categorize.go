// Package categorize diffs the current fingerprint set of a tree against
// the persisted one.
package categorize

import "sort"

// Category is the action a path needs to bring the store in line with disk.
type Category int

const (
	// Skip means the path is on disk and in the store with the same
	// fingerprint.
	Skip Category = iota

	// Add means the path is on disk but not in the store.
	Add

	// Update means the path is in both with different fingerprints.
	Update

	// Delete means the path is in the store but no longer on disk.
	Delete
)

func (c Category) String() string {
	switch c {
	case Skip:
		return "skip"
	case Add:
		return "add"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Files holds every path of current ∪ persisted in exactly one category.
// Each slice is sorted.
type Files struct {
	Skip   []string
	Add    []string
	Update []string
	Delete []string
}

// Categorize assigns each path in current or persisted to one category.
// Maps go from normalized path to fingerprint. Fingerprint equality is
// the only criterion; no file metadata is consulted.
func Categorize(current, persisted map[string]string) *Files {
	f := &Files{}

	for path, fp := range current {
		prev, ok := persisted[path]

		switch {
		case !ok:
			f.Add = append(f.Add, path)
		case prev == fp:
			f.Skip = append(f.Skip, path)
		default:
			f.Update = append(f.Update, path)
		}
	}

	for path := range persisted {
		if _, ok := current[path]; !ok {
			f.Delete = append(f.Delete, path)
		}
	}

	sort.Strings(f.Skip)
	sort.Strings(f.Add)
	sort.Strings(f.Update)
	sort.Strings(f.Delete)

	return f
}

// Counts is a summary of a categorization.
type Counts struct {
	Skip   int `json:"skip"`
	Add    int `json:"add"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

// Total returns the size of the union the categorization covers.
func (c Counts) Total() int {
	return c.Skip + c.Add + c.Update + c.Delete
}

// Counts returns the size of each category.
func (f *Files) Counts() Counts {
	return Counts{
		Skip:   len(f.Skip),
		Add:    len(f.Add),
		Update: len(f.Update),
		Delete: len(f.Delete),
	}
}

// NeedsProcessing returns the number of paths that require record
// derivation (Add + Update).
func (f *Files) NeedsProcessing() int {
	return len(f.Add) + len(f.Update)
}

// Of returns the category of path, and false if the path was in neither
// input set.
func (f *Files) Of(path string) (Category, bool) {
	for _, c := range []struct {
		cat   Category
		paths []string
	}{
		{Skip, f.Skip},
		{Add, f.Add},
		{Update, f.Update},
		{Delete, f.Delete},
	} {
		i := sort.SearchStrings(c.paths, path)
		if i < len(c.paths) && c.paths[i] == path {
			return c.cat, true
		}
	}

	return Skip, false
}
