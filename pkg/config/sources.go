package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
)

// Sources is the ordered list of configured sources. In YAML it is written as a
// mapping of name to path; a list of {name, path} objects is accepted as well.
// Order is preserved either way and decides the order of the run report.
type Sources []artifact.SourceSpec

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Sources) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		out := make(Sources, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: sources must map a name to a path", k.Line)
			}
			out = append(out, artifact.SourceSpec{Name: k.Value, Path: v.Value})
		}
		*s = out
		return nil
	case yaml.SequenceNode:
		var list []struct {
			Name string `yaml:"name"`
			Path string `yaml:"path"`
		}
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("sources list: %w", err)
		}
		out := make(Sources, 0, len(list))
		for _, item := range list {
			out = append(out, artifact.SourceSpec{Name: item.Name, Path: item.Path})
		}
		*s = out
		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
	}
	return fmt.Errorf("line %d: sources must be a mapping of name to path or a list of {name, path}", value.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (s Sources) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, src := range s {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: src.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: src.Path},
		)
	}
	return node, nil
}
