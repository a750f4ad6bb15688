package batcher

import (
	"encoding/json"
	"fmt"

	"github.com/brensch/stagehand/internal/classify"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/fileset"
)

// manifestFile is the stored form of a ManagedFile. The compiled pattern is
// not stored; the file type is looked up again by name on decode.
type manifestFile struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	UnitKey string `json:"unit_key"`
}

type manifestSet struct {
	Key   string         `json:"key"`
	Files []manifestFile `json:"files"`
}

type manifestBatch struct {
	Index    int           `json:"index"`
	FileSets []manifestSet `json:"file_sets"`
}

// EncodeManifest serialises one batch for persistence.
func EncodeManifest(b Batch) ([]byte, error) {
	mb := manifestBatch{Index: b.Index, FileSets: make([]manifestSet, 0, len(b.FileSets))}
	for _, fs := range b.FileSets {
		ms := manifestSet{Key: fs.Key}
		for _, f := range fs.All() {
			ms.Files = append(ms.Files, manifestFile{Name: f.Name, Type: f.Type.Name, UnitKey: f.UnitKey})
		}
		mb.FileSets = append(mb.FileSets, ms)
	}
	data, err := json.Marshal(mb)
	if err != nil {
		return nil, fmt.Errorf("marshal batch %d manifest: %w", b.Index, err)
	}
	return data, nil
}

// TypeLookup resolves a file type by name.
type TypeLookup interface {
	Lookup(name string) (classify.FileType, bool)
}

// DecodeManifest rebuilds a batch written by EncodeManifest. Every file is
// placed in the process state, which is where batching found it.
func DecodeManifest(data []byte, types TypeLookup) (Batch, error) {
	var mb manifestBatch
	if err := json.Unmarshal(data, &mb); err != nil {
		return Batch{}, fmt.Errorf("unmarshal batch manifest: %w", err)
	}
	b := Batch{Index: mb.Index, FileSets: make([]fileset.FileSet, 0, len(mb.FileSets))}
	for _, ms := range mb.FileSets {
		fs := fileset.FileSet{Key: ms.Key, Files: make(map[string][]fileset.ManagedFile)}
		for _, mf := range ms.Files {
			ft, ok := types.Lookup(mf.Type)
			if !ok {
				return Batch{}, fmt.Errorf("batch %d references unknown file type %q for %s", mb.Index, mf.Type, mf.Name)
			}
			fs.Files[ft.Name] = append(fs.Files[ft.Name], fileset.ManagedFile{
				Name:    mf.Name,
				Type:    ft,
				State:   filestate.Process,
				UnitKey: mf.UnitKey,
			})
		}
		b.FileSets = append(b.FileSets, fs)
	}
	return b, nil
}
