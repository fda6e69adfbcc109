package querybridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// SchemaContext is an immutable description of the data model. It is built
// once per connect cycle and shared read-only by every in-flight query;
// replacing it requires a full reconnect.
type SchemaContext struct {
	entities  map[string]Entity
	relations []Relation
	strict    bool
	version   string
}

// Entity describes one addressable model in the datamodel.
type Entity struct {
	Name       string  `yaml:"name"`
	Table      string  `yaml:"table,omitempty"`
	Fields     []Field `yaml:"fields"`
	PrimaryKey string  `yaml:"primary_key,omitempty"`
}

// Field describes one entity attribute.
type Field struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required,omitempty"`
	Unique   bool   `yaml:"unique,omitempty"`
}

// Relation links two entities.
type Relation struct {
	Name string `yaml:"name"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
	// Kind is one of "one_to_one", "one_to_many", "many_to_many".
	Kind string `yaml:"kind"`
}

// datamodel is the YAML document shape accepted by schema sources.
type datamodel struct {
	Entities  []Entity   `yaml:"entities"`
	Relations []Relation `yaml:"relations,omitempty"`
}

// NewSchemaContext parses a YAML datamodel document into an immutable
// schema context.
func NewSchemaContext(doc []byte, strict bool) (*SchemaContext, error) {
	var dm datamodel
	if err := yaml.Unmarshal(doc, &dm); err != nil {
		return nil, newEngineError(ErrorKindConfiguration, "cannot parse datamodel", err)
	}

	entities := make(map[string]Entity, len(dm.Entities))
	for _, e := range dm.Entities {
		if e.Name == "" {
			return nil, newEngineError(ErrorKindConfiguration, "datamodel entity without a name", nil)
		}
		if _, dup := entities[e.Name]; dup {
			return nil, newEngineError(ErrorKindConfiguration, fmt.Sprintf("duplicate entity %q in datamodel", e.Name), nil)
		}
		entities[e.Name] = e
	}

	for _, r := range dm.Relations {
		for _, end := range []string{r.From, r.To} {
			if _, ok := entities[end]; !ok {
				return nil, newEngineError(ErrorKindConfiguration,
					fmt.Sprintf("relation %q references unknown entity %q", r.Name, end), nil)
			}
		}
	}

	sum := sha256.Sum256(doc)

	return &SchemaContext{
		entities:  entities,
		relations: append([]Relation(nil), dm.Relations...),
		strict:    strict,
		version:   hex.EncodeToString(sum[:8]),
	}, nil
}

// emptySchemaContext returns a permissive schema for configurations without
// a datamodel.
func emptySchemaContext() *SchemaContext {
	return &SchemaContext{entities: map[string]Entity{}}
}

// Entity returns the named entity, if present.
func (s *SchemaContext) Entity(name string) (Entity, bool) {
	e, ok := s.entities[name]
	return e, ok
}

// Entities returns all entity names in sorted order.
func (s *SchemaContext) Entities() []string {
	names := lo.Keys(s.entities)
	sort.Strings(names)
	return names
}

// Relations returns a copy of the relation list.
func (s *SchemaContext) Relations() []Relation {
	return append([]Relation(nil), s.relations...)
}

// RelationsFor returns relations touching the named entity.
func (s *SchemaContext) RelationsFor(entity string) []Relation {
	return lo.Filter(s.relations, func(r Relation, _ int) bool {
		return r.From == entity || r.To == entity
	})
}

// Version is a short content hash of the datamodel document, stable across
// engines loading the same document.
func (s *SchemaContext) Version() string {
	return s.version
}

// validatePlan checks plan entity references against the datamodel. In
// non-strict mode unknown entities are allowed through; raw plans bypass
// validation entirely.
func (s *SchemaContext) validatePlan(plan *Plan) error {
	if plan.Kind == PlanRaw {
		return nil
	}
	if !s.strict {
		return nil
	}
	for i, step := range plan.Steps {
		if step.Entity == "" {
			continue
		}
		if _, ok := s.entities[step.Entity]; !ok {
			return newEngineError(ErrorKindQuery,
				fmt.Sprintf("step %d references unknown entity %q", i, step.Entity), nil)
		}
	}
	return nil
}
