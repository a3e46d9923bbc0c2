package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/trialgraph/pkg/writeop"
)

// PipelineEntry binds one dataset to one write function.
//
// Node entries carry node_type and edge entries edge_type; the tag is only
// used for fan-out matching and reporting.
type PipelineEntry struct {
	FilePath string `yaml:"file_path"`
	Function string `yaml:"function"`
	NodeType string `yaml:"node_type,omitempty"`
	EdgeType string `yaml:"edge_type,omitempty"`
}

// Tag returns the entry's entity-type tag.
func (e PipelineEntry) Tag() string {
	if e.NodeType != "" {
		return e.NodeType
	}
	return e.EdgeType
}

// Pipeline is the YAML pipeline definition.
//
// Example:
//
//	database: neo4j
//	create_nodes_functions:
//	  - file_path: data/adsl.xpt
//	    function: create_patients_nodes
//	    node_type: patient
//	  - file_path: data/
//	    function: create_visit_nodes
//	    node_type: visit
//	create_edges_functions:
//	  - file_path: data/adsl.xpt
//	    function: create_patient_treatment_relationship
//	    edge_type: patient_treatment
type Pipeline struct {
	// Database overrides NEO4J_DATABASE for this pipeline.
	Database string `yaml:"database,omitempty"`

	// ChunkSize overrides TRIALGRAPH_CHUNK_SIZE for this pipeline.
	ChunkSize int `yaml:"chunk_size,omitempty"`

	// DataRoot is prepended to relative file paths.
	DataRoot string `yaml:"data_root,omitempty"`

	// Catalog controls whether the built-in clinical operations are
	// available. Defaults to true.
	Catalog *bool `yaml:"catalog,omitempty"`

	// Fanout maps an entity-type prefix to the files an entry expands to.
	// Nil means the built-in table; an empty map disables fan-out.
	Fanout map[string][]string `yaml:"fanout,omitempty"`

	// Operations adds descriptors or overrides catalog ones by name.
	Operations []writeop.Descriptor `yaml:"operations,omitempty"`

	Nodes []PipelineEntry `yaml:"create_nodes_functions"`
	Edges []PipelineEntry `yaml:"create_edges_functions"`
}

// UseCatalog reports whether the built-in operations are enabled.
func (p *Pipeline) UseCatalog() bool {
	return p.Catalog == nil || *p.Catalog
}

// LoadPipeline reads a pipeline file.
func LoadPipeline(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	defer f.Close()

	p, err := ParsePipeline(f)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline decodes and checks a pipeline definition. Unknown keys are
// rejected so typos do not silently drop configuration.
func ParsePipeline(r io.Reader) (*Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty pipeline definition")
		}
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the entries' shape. Function names are resolved later,
// against the operation registry.
func (p *Pipeline) Validate() error {
	if len(p.Nodes) == 0 && len(p.Edges) == 0 {
		return errors.New("no create_nodes_functions or create_edges_functions entries")
	}
	if p.ChunkSize < 0 {
		return fmt.Errorf("invalid chunk_size: %d", p.ChunkSize)
	}
	for i, e := range p.Nodes {
		if err := e.validate(); err != nil {
			return fmt.Errorf("create_nodes_functions[%d]: %w", i, err)
		}
		if e.EdgeType != "" {
			return fmt.Errorf("create_nodes_functions[%d]: edge_type on a node entry", i)
		}
	}
	for i, e := range p.Edges {
		if err := e.validate(); err != nil {
			return fmt.Errorf("create_edges_functions[%d]: %w", i, err)
		}
		if e.NodeType != "" {
			return fmt.Errorf("create_edges_functions[%d]: node_type on an edge entry", i)
		}
	}
	seen := make(map[string]bool, len(p.Operations))
	for i, d := range p.Operations {
		if d.Name == "" {
			return fmt.Errorf("operations[%d]: missing name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("operations[%d]: duplicate operation %s", i, d.Name)
		}
		seen[d.Name] = true
	}
	for prefix, files := range p.Fanout {
		if prefix == "" {
			return errors.New("fanout: empty prefix")
		}
		if len(files) == 0 {
			return fmt.Errorf("fanout %s: no files", prefix)
		}
	}
	return nil
}

func (e PipelineEntry) validate() error {
	if e.FilePath == "" {
		return errors.New("missing file_path")
	}
	if e.Function == "" {
		return errors.New("missing function")
	}
	return nil
}
