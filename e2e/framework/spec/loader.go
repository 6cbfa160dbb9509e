package spec

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSuite wraps every schema or semantic validation failure.
var ErrInvalidSuite = errors.New("invalid suite")

//go:embed schema/suite.schema.json
var schemaFS embed.FS

var (
	suiteSchema *jsonschema.Schema
	compileOnce sync.Once
	compileErr  error
)

func compileSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		data, err := schemaFS.ReadFile("schema/suite.schema.json")
		if err != nil {
			compileErr = errors.Wrap(err, "read suite schema")
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = errors.Wrap(err, "unmarshal suite schema")
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("suite.schema.json", doc); err != nil {
			compileErr = errors.Wrap(err, "add suite schema resource")
			return
		}
		suiteSchema, err = compiler.Compile("suite.schema.json")
		if err != nil {
			compileErr = errors.Wrap(err, "compile suite schema")
		}
	})
	return suiteSchema, compileErr
}

// LoadSuites reads all suite files under root. A file path loads that file only.
func LoadSuites(root string) ([]Suite, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return LoadFile(root)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isSpecFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var suites []Suite
	for _, path := range paths {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		suites = append(suites, loaded...)
	}
	return suites, nil
}

// LoadFile reads every suite document in a single YAML or JSON file.
func LoadFile(path string) ([]Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	suites, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	for i := range suites {
		suites[i].SourceFile = path
	}
	return suites, nil
}

// Parse decodes and validates a multi-document suite stream.
func Parse(data []byte) ([]Suite, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	var suites []Suite
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	for index := 0; ; index++ {
		var node yaml.Node
		if err := decoder.Decode(&node); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if isEmptyDocument(&node) {
			continue
		}
		if err := validateNode(schema, &node); err != nil {
			return nil, errors.Wrapf(ErrInvalidSuite, "document %d: %v", index, err)
		}
		var suite Suite
		if err := node.Decode(&suite); err != nil {
			return nil, err
		}
		if err := Validate(suite); err != nil {
			return nil, err
		}
		suites = append(suites, suite)
	}
	return suites, nil
}

// Validate checks rules the schema cannot express.
func Validate(suite Suite) error {
	for _, raw := range []string{suite.Defaults.ActionTimeout, suite.Defaults.AssertionTimeout, suite.Defaults.PollInterval} {
		if _, err := parseTimeout(raw, 0); err != nil {
			return errors.Wrapf(ErrInvalidSuite, "suite %s: defaults: %v", suite.Metadata.Name, err)
		}
	}
	seen := make(map[string]bool, len(suite.Scenarios))
	for _, scenario := range suite.Scenarios {
		key := strings.ToLower(scenario.Name)
		if seen[key] {
			return errors.Wrapf(ErrInvalidSuite, "suite %s: duplicate scenario %q", suite.Metadata.Name, scenario.Name)
		}
		seen[key] = true
		if _, err := parseTimeout(scenario.Timeout, 0); err != nil {
			return errors.Wrapf(ErrInvalidSuite, "scenario %s: %v", scenario.Name, err)
		}
		for _, group := range [][]StepSpec{scenario.Setup, scenario.Steps, scenario.Teardown} {
			if err := validateSteps(group); err != nil {
				return errors.Wrapf(ErrInvalidSuite, "scenario %s: %v", scenario.Name, err)
			}
		}
	}
	for _, group := range [][]StepSpec{suite.Setup, suite.Teardown} {
		if err := validateSteps(group); err != nil {
			return errors.Wrapf(ErrInvalidSuite, "suite %s: %v", suite.Metadata.Name, err)
		}
	}
	return nil
}

func validateSteps(steps []StepSpec) error {
	for i, step := range steps {
		if _, err := step.StepTimeout(0); err != nil {
			return fmt.Errorf("step %d (%s): timeout: %v", i+1, step.Label(), err)
		}
		switch step.Action {
		case ActionNavigate:
			if step.Target == "" && step.Value == "" {
				return fmt.Errorf("step %d (%s): navigate requires a target url", i+1, step.Label())
			}
		case ActionFillInput, ActionClick, ActionSelectOption, ActionAssertVisible, ActionAssertNotVisible,
			ActionAssertText, ActionAssertCount, ActionAssertAttribute, ActionCaptureCount, ActionOptionalAssertion:
			if step.Target == "" {
				return fmt.Errorf("step %d (%s): %s requires a target", i+1, step.Label(), step.Action)
			}
		}
	}
	return nil
}

func validateNode(schema *jsonschema.Schema, node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func isEmptyDocument(node *yaml.Node) bool {
	if node.Kind == 0 {
		return true
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 0 {
		return true
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		inner := node.Content[0]
		return inner.Kind == yaml.ScalarNode && inner.Tag == "!!null"
	}
	return false
}

func isSpecFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
