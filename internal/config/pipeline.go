package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brensch/stagehand/internal/classify"
	"github.com/brensch/stagehand/internal/fileset"
	"github.com/brensch/stagehand/internal/ledger"
)

// Pipeline is the YAML definition of one pipeline.
type Pipeline struct {
	Name               string         `yaml:"name" validate:"required"`
	FileTypes          []FileTypeSpec `yaml:"file_types" validate:"required,min=1,dive"`
	UnitKeyPattern     string         `yaml:"unit_key_pattern"`
	RequiredTypes      []string       `yaml:"required_types"`
	MaxProcessTasks    int            `yaml:"max_process_tasks" validate:"gte=1"`
	MinFileSetsInBatch int            `yaml:"min_file_sets_in_batch" validate:"gte=1"`
	FileSetTimeout     time.Duration  `yaml:"file_set_timeout" validate:"gte=0"`
	Processor          ProcessorSpec  `yaml:"processor"`
}

type FileTypeSpec struct {
	Name        string `yaml:"name" validate:"required"`
	Pattern     string `yaml:"pattern" validate:"required"`
	PassThrough bool   `yaml:"pass_through"`
}

type ProcessorSpec struct {
	// Tables is keyed by file type name.
	Tables map[string]TableSpec `yaml:"tables" validate:"dive"`
}

type TableSpec struct {
	Table           string   `yaml:"table"`
	ConflictColumns []string `yaml:"conflict_columns"`
	RecordsKey      string   `yaml:"records_key"`
	Format          string   `yaml:"format" validate:"omitempty,oneof=json csv"`
	Section         string   `yaml:"section"`
}

// LoadPipeline reads and validates the pipeline definition at path.
func LoadPipeline(path string) (Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("opening pipeline %s: %w", path, err)
	}
	defer f.Close()
	p, err := ParsePipeline(f)
	if err != nil {
		return Pipeline{}, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline decodes a definition, rejecting unknown keys. Missing
// max_process_tasks and min_file_sets_in_batch default to 1.
func ParsePipeline(r io.Reader) (Pipeline, error) {
	p := Pipeline{MaxProcessTasks: 1, MinFileSetsInBatch: 1}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decoding: %w", err)
	}
	if p.FileSetTimeout == 0 {
		p.FileSetTimeout = DefaultFileSetTimeout
	}
	if err := Validate(p); err != nil {
		return Pipeline{}, err
	}
	if err := p.check(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// check covers the cross-field rules struct tags cannot express.
func (p Pipeline) check() error {
	known := make(map[string]bool, len(p.FileTypes))
	for _, ft := range p.FileTypes {
		known[ft.Name] = true
	}
	var errs []error
	for _, req := range p.RequiredTypes {
		if !known[req] {
			errs = append(errs, fmt.Errorf("required type %q is not a declared file type", req))
		}
	}
	for name := range p.Processor.Tables {
		if !known[name] {
			errs = append(errs, fmt.Errorf("processor table for unknown file type %q", name))
		}
	}
	for _, ft := range p.FileTypes {
		if ft.PassThrough {
			continue
		}
		if table := p.TableName(ft.Name); ledger.IsLedgerTable(table) {
			errs = append(errs, fmt.Errorf("file type %q writes to table %q, which belongs to the ledger", ft.Name, table))
		}
	}
	if _, err := p.Classifier(); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.KeyRule(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TableName is the sink table the processor writes records of fileType to.
func (p Pipeline) TableName(fileType string) string {
	if t := p.Processor.Tables[fileType].Table; t != "" {
		return t
	}
	return strings.ToLower(fileType)
}

// Classifier compiles the file types in declaration order.
func (p Pipeline) Classifier() (*classify.Classifier, error) {
	rules := make([]classify.Rule, 0, len(p.FileTypes))
	for _, ft := range p.FileTypes {
		rules = append(rules, classify.Rule{Name: ft.Name, Pattern: ft.Pattern, PassThrough: ft.PassThrough})
	}
	return classify.New(rules)
}

func (p Pipeline) KeyRule() (fileset.KeyRule, error) {
	return fileset.NewKeyRule(p.UnitKeyPattern)
}

func (p Pipeline) Eligibility() fileset.Eligibility {
	return fileset.Eligibility{Required: p.RequiredTypes}
}
