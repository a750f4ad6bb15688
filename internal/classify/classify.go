// Package classify resolves a file name to the pipeline file type it belongs to.
package classify

import (
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

// FileType is one kind of file a pipeline knows how to handle.
type FileType struct {
	Name    string
	Pattern *regexp.Regexp
	// PassThrough types are moved straight from ingest to store.
	PassThrough bool
}

// Rule is the uncompiled form of a FileType, as written in a pipeline definition.
type Rule struct {
	Name        string
	Pattern     string
	PassThrough bool
}

// UnrecognizedFileError is returned when no rule matches a file name.
type UnrecognizedFileError struct {
	Name string
}

func (e *UnrecognizedFileError) Error() string {
	return fmt.Sprintf("unrecognized file %q: no file type pattern matches", e.Name)
}

// Classifier applies an ordered set of rules; the first match wins.
type Classifier struct {
	types  []FileType
	byName map[string]FileType
}

// New compiles rules in order. Type names must be unique.
func New(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one file type is required")
	}
	c := &Classifier{
		types:  make([]FileType, 0, len(rules)),
		byName: make(map[string]FileType, len(rules)),
	}
	for i, r := range rules {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, fmt.Errorf("file type %d has an empty name", i)
		}
		if _, dup := c.byName[name]; dup {
			return nil, fmt.Errorf("duplicate file type %q", name)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern for file type %q: %w", name, err)
		}
		ft := FileType{Name: name, Pattern: re, PassThrough: r.PassThrough}
		c.types = append(c.types, ft)
		c.byName[name] = ft
	}
	return c, nil
}

// Classify returns the first file type whose pattern matches anywhere in name.
func (c *Classifier) Classify(name string) (FileType, error) {
	for _, ft := range c.types {
		if ft.Pattern.MatchString(name) {
			return ft, nil
		}
	}
	return FileType{}, &UnrecognizedFileError{Name: name}
}

// Lookup finds a file type by name.
func (c *Classifier) Lookup(name string) (FileType, bool) {
	ft, ok := c.byName[name]
	return ft, ok
}

// Types returns the file types in rule order.
func (c *Classifier) Types() []FileType {
	out := make([]FileType, len(c.types))
	copy(out, c.types)
	return out
}
