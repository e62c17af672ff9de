// Package definition loads workflow templates from YAML files, validates
// them, and keeps the engine's template store in step with the files.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/matterflow/internal/workflow"
	"github.com/pitabwire/matterflow/model"
)

// Loader scans directories for YAML template files and parses them.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowTemplate. Files are returned in path order.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowTemplate, error) {
	var tpls []model.WorkflowTemplate

	for _, dir := range directories {
		var paths []string
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		sort.Strings(paths)

		for _, path := range paths {
			tpl, err := l.LoadFile(path)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
			tpls = append(tpls, tpl)
		}
	}

	return tpls, nil
}

// LoadFile loads and parses a single YAML template file. Unknown fields are
// rejected. It records the source path and the content checksum the engine
// stores with the template.
func (l *Loader) LoadFile(path string) (model.WorkflowTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()

	var tpl model.WorkflowTemplate
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&tpl); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	sum, err := workflow.Checksum(tpl)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	tpl.Checksum = sum
	tpl.SourceFile = path

	return tpl, nil
}
