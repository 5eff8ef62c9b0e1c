package language

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// LoadedSchema is a validated schema including the builtin prelude.
type LoadedSchema = ast.Schema

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses and validates SDL sources into a schema.
func LoadSchema(sources map[string]string) (*LoadedSchema, error) {
	srcs := make([]*ast.Source, 0, len(sources))
	for name, input := range sources {
		srcs = append(srcs, &ast.Source{Name: name, Input: input})
	}
	s, err := gqlparser.LoadSchema(srcs...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ValidateQuery checks doc against s and returns the first validation
// error, if any.
func ValidateQuery(s *LoadedSchema, doc *QueryDocument) error {
	if errs := validator.Validate(s, doc); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
