package segment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Layout names the flat parameters and results of one job version.
type Layout struct {
	Params  []string `yaml:"params"`
	Results []string `yaml:"results"`
}

// Schema maps job name and version to its layout. The version "*" matches
// any version.
type Schema map[string]map[string]Layout

func (s Schema) layout(job, version string) (Layout, bool) {
	versions, ok := s[job]
	if !ok {
		return Layout{}, false
	}
	if l, ok := versions[version]; ok {
		return l, true
	}
	l, ok := versions["*"]
	return l, ok
}

type schemaFile struct {
	Jobs Schema `yaml:"jobs"`
}

func LoadSchema(r io.Reader) (Schema, error) {
	var file schemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return Schema{}, nil
		}
		return nil, fmt.Errorf("decode job schema: %w", err)
	}
	if file.Jobs == nil {
		return Schema{}, nil
	}
	return file.Jobs, nil
}

// LoadSchemaFile reads a schema from path. An empty path yields an empty schema.
func LoadSchemaFile(path string) (Schema, error) {
	if path == "" {
		return Schema{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open job schema: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadSchema(f)
}
