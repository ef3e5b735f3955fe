package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/envhelper/envhelper/internal/envhelper/environment"
)

//go:embed manifest.schema.json
var schemaJSON string

const schemaURL = "manifest.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse checks a YAML document against the manifest schema, decodes it and
// validates every entry the way the controller would.
func Parse(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateSchema(doc any) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("manifest parse: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("manifest parse: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}

// Validate checks the decoded manifest: every entry must convert to a valid
// declaration and owner/name pairs must be unique.
func Validate(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest must not be nil")
	}
	if m.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, m.APIVersion)
	}
	seen := make(map[string]struct{}, len(m.Environments))
	for i, e := range m.Environments {
		d, err := e.Declaration()
		if err != nil {
			return fmt.Errorf("environments[%d] (%s/%s): %w", i, e.Owner, e.Name, err)
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("environments[%d] (%s/%s): %w", i, e.Owner, e.Name, err)
		}
		key := e.Owner + "/" + e.Name
		if _, dup := seen[key]; dup {
			return fmt.Errorf("environments[%d]: duplicate environment %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Declaration converts e to a declaration.
func (e Entry) Declaration() (environment.Declaration, error) {
	d := environment.Declaration{
		Owner:         e.Owner,
		Name:          e.Name,
		Description:   e.Description,
		Type:          environment.Type(e.Type),
		Image:         e.Image,
		Port:          e.Port,
		ContainerPort: e.ContainerPort,
		CPULimit:      e.CPULimit,
		AutoStart:     e.AutoStart,
	}
	if len(e.Env) > 0 {
		d.Env = maps.Clone(e.Env)
	}
	if len(e.Volumes) > 0 {
		vols, err := environment.ParseVolumes(strings.Join(e.Volumes, "\n"))
		if err != nil {
			return d, err
		}
		d.Volumes = vols
	}
	mem, err := environment.ParseMemory(e.MemoryLimit)
	if err != nil {
		return d, err
	}
	d.MemoryLimit = mem
	return d, nil
}
