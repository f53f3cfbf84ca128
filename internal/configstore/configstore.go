// Package configstore applies single-value and batch edits to the on-disk
// YAML config file without disturbing its formatting or comments.
//
// Grounded on internal/provisioning/channels.go's ChannelProvisioner:
// EnableChannel/DisableChannel load the file into a yaml.Node tree,
// navigate to a dotted path with setYAMLValue, and write back atomically
// with writeFilePreserveMode. Store generalizes that single
// channels.<type>.enabled path to an arbitrary dotted path and widens
// setYAMLValue's bool/string switch to also accept int and float64, so it
// can back config/value/write and config/batch/write.
package configstore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store applies edits to a single YAML config file on disk, serializing
// writers so concurrent RPC calls never interleave a read-modify-write.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store bound to the config file at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Edit is one dotted-path/value assignment, e.g. Path "llm.default_provider"
// with Value "anthropic".
type Edit struct {
	Path  string
	Value any
}

// Read returns the raw decoded value at a dotted path, or nil if the path
// does not exist.
func (s *Store) Read(path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.loadDocument()
	if err != nil {
		return nil, err
	}
	target, ok := lookupYAMLValue(node, splitPath(path))
	if !ok {
		return nil, nil
	}
	var decoded any
	if err := target.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("configstore: decode %s: %w", path, err)
	}
	return decoded, nil
}

// WriteValue sets a single dotted path to value and persists the file.
func (s *Store) WriteValue(path string, value any) error {
	return s.WriteBatch([]Edit{{Path: path, Value: value}})
}

// WriteBatch applies every edit to a single in-memory tree, then persists
// the file once. Either all edits land or none do.
func (s *Store) WriteBatch(edits []Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.loadDocument()
	if err != nil {
		return err
	}
	for _, e := range edits {
		if err := setYAMLValue(node, splitPath(e.Path), e.Value); err != nil {
			return fmt.Errorf("configstore: set %s: %w", e.Path, err)
		}
	}

	output, err := yaml.Marshal(node)
	if err != nil {
		return fmt.Errorf("configstore: marshal: %w", err)
	}
	return writeFilePreserveMode(s.path, output)
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func (s *Store) loadDocument() (*yaml.Node, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}, nil
		}
		return nil, fmt.Errorf("configstore: read %s: %w", s.path, err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("configstore: parse %s: %w", s.path, err)
	}
	if node.Kind == 0 {
		node = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	return &node, nil
}

func writeFilePreserveMode(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func lookupYAMLValue(node *yaml.Node, path []string) (*yaml.Node, bool) {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, false
		}
		return lookupYAMLValue(node.Content[0], path)
	}
	if len(path) == 0 {
		return node, true
	}
	if node.Kind != yaml.MappingNode {
		return nil, false
	}
	key := path[0]
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return lookupYAMLValue(node.Content[i+1], path[1:])
		}
	}
	return nil, false
}

// setYAMLValue sets a value at the given path in a YAML node, creating
// intermediate mapping keys as needed.
func setYAMLValue(node *yaml.Node, path []string, value any) error {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			node.Content = []*yaml.Node{{Kind: yaml.MappingNode}}
		}
		return setYAMLValue(node.Content[0], path, value)
	}

	if len(path) == 0 {
		switch v := value.(type) {
		case bool:
			node.Kind = yaml.ScalarNode
			node.Tag = "!!bool"
			node.Value = strconv.FormatBool(v)
		case string:
			node.Kind = yaml.ScalarNode
			node.Tag = "!!str"
			node.Value = v
		case int:
			node.Kind = yaml.ScalarNode
			node.Tag = "!!int"
			node.Value = strconv.Itoa(v)
		case int64:
			node.Kind = yaml.ScalarNode
			node.Tag = "!!int"
			node.Value = strconv.FormatInt(v, 10)
		case float64:
			node.Kind = yaml.ScalarNode
			node.Tag = "!!float"
			node.Value = strconv.FormatFloat(v, 'g', -1, 64)
		case nil:
			node.Kind = yaml.ScalarNode
			node.Tag = "!!null"
			node.Value = "null"
		default:
			return fmt.Errorf("unsupported value type: %T", value)
		}
		return nil
	}

	if node.Kind == 0 {
		node.Kind = yaml.MappingNode
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("expected mapping at remaining path %v", path)
	}

	key := path[0]
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return setYAMLValue(node.Content[i+1], path[1:], value)
		}
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
	valueNode := &yaml.Node{}
	if len(path) > 1 {
		valueNode.Kind = yaml.MappingNode
	}
	node.Content = append(node.Content, keyNode, valueNode)
	return setYAMLValue(valueNode, path[1:], value)
}
