// Package fileset groups the files waiting in the process directory into
// file sets: all files that belong to one unit of work, keyed by a unit key
// taken from the file name.
package fileset

import (
	"fmt"
	"sort"
	"time"

	regexp "github.com/wasilibs/go-re2"

	"github.com/brensch/stagehand/internal/classify"
	"github.com/brensch/stagehand/internal/filestate"
)

// DefaultKeyPattern matches an ISO-8601 timestamp anywhere in a file name.
const DefaultKeyPattern = `\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d{1,6})?(?:[+-]\d{2}:\d{2}|Z)?`

// ManagedFile is a classified file at a known state.
type ManagedFile struct {
	Name    string
	Type    classify.FileType
	State   filestate.DataState
	UnitKey string
}

// FileSet is every file sharing a unit key, indexed by file type name.
// It is not modified after Group returns it.
type FileSet struct {
	Key   string
	Files map[string][]ManagedFile
}

// Get returns the files of one type, sorted by name.
func (fs FileSet) Get(typeName string) []ManagedFile {
	return fs.Files[typeName]
}

// All returns every file of the set ordered by type name then file name.
func (fs FileSet) All() []ManagedFile {
	types := make([]string, 0, len(fs.Files))
	for t := range fs.Files {
		types = append(types, t)
	}
	sort.Strings(types)
	var out []ManagedFile
	for _, t := range types {
		out = append(out, fs.Files[t]...)
	}
	return out
}

// FileNames returns the names of every file in the set, in All order.
func (fs FileSet) FileNames() []string {
	all := fs.All()
	names := make([]string, len(all))
	for i, f := range all {
		names[i] = f.Name
	}
	return names
}

// Len is the number of files in the set.
func (fs FileSet) Len() int {
	n := 0
	for _, files := range fs.Files {
		n += len(files)
	}
	return n
}

// KeyExtractionError reports a file whose name yields no unit key.
type KeyExtractionError struct {
	Name string
}

func (e *KeyExtractionError) Error() string {
	return fmt.Sprintf("no unit key found in file name %q", e.Name)
}

// KeyRule extracts a unit key from a file name. The key is the capture group
// named "key" when present, otherwise the first capture group, otherwise the
// whole match.
type KeyRule struct {
	re    *regexp.Regexp
	group int
}

// NewKeyRule compiles pattern. An empty pattern selects DefaultKeyPattern.
func NewKeyRule(pattern string) (KeyRule, error) {
	if pattern == "" {
		pattern = DefaultKeyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return KeyRule{}, fmt.Errorf("compile unit key pattern: %w", err)
	}
	group := 0
	if idx := re.SubexpIndex("key"); idx > 0 {
		group = idx
	} else if re.NumSubexp() > 0 {
		group = 1
	}
	return KeyRule{re: re, group: group}, nil
}

// Extract returns the unit key of name.
func (r KeyRule) Extract(name string) (string, error) {
	m := r.re.FindStringSubmatch(name)
	if m == nil || m[r.group] == "" {
		return "", &KeyExtractionError{Name: name}
	}
	return m[r.group], nil
}

// Eligibility decides whether a file set is complete enough to process.
type Eligibility struct {
	// Required lists file type names that must each contribute at least one
	// file. Empty means any non-empty set is eligible.
	Required []string
}

// Eligible reports whether fs satisfies the rule.
func (e Eligibility) Eligible(fs FileSet) bool {
	if fs.Len() == 0 {
		return false
	}
	for _, t := range e.Required {
		if len(fs.Files[t]) == 0 {
			return false
		}
	}
	return true
}

// Result is the outcome of a grouping pass.
type Result struct {
	// Sets are eligible file sets in unit key order.
	Sets []FileSet
	// Deferred are incomplete file sets. Their files stay where they are
	// and are picked up by a later pass.
	Deferred []FileSet
	// KeyErrors name files excluded because no unit key was found.
	KeyErrors []*KeyExtractionError
}

// Group partitions files by unit key. Ordering of the output is deterministic:
// chronological when every key parses as a timestamp or date, lexical
// otherwise. Files inside a type are ordered by name.
func Group(files []ManagedFile, rule KeyRule, elig Eligibility) Result {
	var res Result
	byKey := make(map[string]*FileSet)

	for _, f := range files {
		key, err := rule.Extract(f.Name)
		if err != nil {
			res.KeyErrors = append(res.KeyErrors, err.(*KeyExtractionError))
			continue
		}
		f.UnitKey = key
		fs, ok := byKey[key]
		if !ok {
			fs = &FileSet{Key: key, Files: make(map[string][]ManagedFile)}
			byKey[key] = fs
		}
		fs.Files[f.Type.Name] = append(fs.Files[f.Type.Name], f)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	SortKeys(keys)

	for _, k := range keys {
		fs := byKey[k]
		for t := range fs.Files {
			sort.Slice(fs.Files[t], func(i, j int) bool { return fs.Files[t][i].Name < fs.Files[t][j].Name })
		}
		if elig.Eligible(*fs) {
			res.Sets = append(res.Sets, *fs)
		} else {
			res.Deferred = append(res.Deferred, *fs)
		}
	}
	return res
}

var keyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseKeyTime(k string) (time.Time, bool) {
	for _, layout := range keyLayouts {
		if t, err := time.Parse(layout, k); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SortKeys orders unit keys chronologically when all of them parse as
// timestamps, lexically otherwise. Equal instants fall back to lexical order.
func SortKeys(keys []string) {
	times := make(map[string]time.Time, len(keys))
	chronological := true
	for _, k := range keys {
		t, ok := parseKeyTime(k)
		if !ok {
			chronological = false
			break
		}
		times[k] = t
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if chronological {
			ti, tj := times[keys[i]], times[keys[j]]
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
		}
		return keys[i] < keys[j]
	})
}
