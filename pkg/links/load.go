package links

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a link configuration file.
//
//	max_depth: 3
//	entities:
//	  post:
//	    fields: [id, title, author_id]
//	    links:
//	      - attribute: author
//	        target: user
//	        cardinality: one
//	      - attribute: tags
//	        target: tag
//	        cardinality: many
//	        through: post_tag
//	        source_key: post_id
//	        target_key: tag_id
//	        order_by: position
//	api_links:
//	  - root: post
//	    collection: posts
type File struct {
	MaxDepth int                `yaml:"max_depth,omitempty"`
	Entities map[string]*Entity `yaml:"entities"`
	ApiLinks []ApiLink          `yaml:"api_links"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read link configuration: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, configErr("", "failed to parse yaml: %v", err)
	}

	names := make([]string, 0, len(f.Entities))
	for name := range f.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	entities := make([]Entity, 0, len(names))
	for _, name := range names {
		e := Entity{Name: name}
		if f.Entities[name] != nil {
			e = *f.Entities[name]
			e.Name = name
		}
		entities = append(entities, e)
	}

	return New(entities, f.ApiLinks, WithMaxDepth(f.MaxDepth))
}
