// Package catalog holds the built-in write operations for the CDISC ADaM
// pilot datasets and a starter pipeline that uses them.
//
// The operations are plain writeop descriptors kept in clinical.yaml; a
// pipeline may add to or override them by name.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/trialgraph/pkg/writeop"
)

//go:embed clinical.yaml
var clinicalYAML []byte

//go:embed pipeline.yaml
var starterPipeline []byte

// Descriptors decodes the built-in operations in file order. Each call
// returns fresh values the caller may modify.
func Descriptors() ([]writeop.Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(clinicalYAML))
	dec.KnownFields(true)

	var ds []writeop.Descriptor
	if err := dec.Decode(&ds); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return ds, nil
}

// Operations compiles every built-in descriptor.
func Operations() ([]*writeop.Operation, error) {
	ds, err := Descriptors()
	if err != nil {
		return nil, err
	}
	ops := make([]*writeop.Operation, 0, len(ds))
	for _, d := range ds {
		op, err := writeop.New(d)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// StarterPipeline returns a pipeline definition wiring every built-in
// operation to its ADaM dataset under data/.
func StarterPipeline() []byte {
	return bytes.Clone(starterPipeline)
}
