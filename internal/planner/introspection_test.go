package planner

import (
	"testing"

	"github.com/stretchr/testify/require"

	introspection "github.com/hanpama/projector/internal/introspection"
	language "github.com/hanpama/projector/internal/language"
	schema "github.com/hanpama/projector/internal/schema"
)

const introspectionSDL = `
type Query { user: User }

type User {
  id: ID!
  login: String @deprecated(reason: "use id")
}
`

func introspectionPlan(t *testing.T, query string) (*Plan, *introspection.Document, error) {
	t.Helper()
	s, err := schema.BuildFromSDL(introspectionSDL)
	require.NoError(t, err)
	ext := introspection.Extend(s)
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	plan, err := Compile(ext, doc, "")
	return plan, introspection.Build(ext), err
}

func TestIntrospectionFields(t *testing.T) {
	plan, doc, err := introspectionPlan(t, `{
  __type(name: "User") {
    __typename
    name
    visible: fields { name }
    all: fields(includeDeprecated: true) { name isDeprecated deprecationReason }
  }
}`)
	require.NoError(t, err)
	require.True(t, plan.Introspects)

	m, err := plan.NewCacheManager()
	require.NoError(t, err)
	got := run(t, m, plan, nil, doc.Root(map[string]any{"user": nil}))
	requireResult(t, map[string]any{
		"__type": map[string]any{
			"__typename": "__Type",
			"name":       "User",
			"visible":    []any{map[string]any{"name": "id"}},
			"all": []any{
				map[string]any{"name": "id", "isDeprecated": false, "deprecationReason": nil},
				map[string]any{"name": "login", "isDeprecated": true, "deprecationReason": "use id"},
			},
		},
	}, got)
}

func TestIntrospectionTypeRefs(t *testing.T) {
	plan, doc, err := introspectionPlan(t, `{
  __schema {
    queryType { fields { name type { kind name ofType { name } } } }
  }
}`)
	require.NoError(t, err)

	m, err := plan.NewCacheManager()
	require.NoError(t, err)
	got := run(t, m, plan, nil, doc.Root(nil))
	requireResult(t, map[string]any{
		"__schema": map[string]any{
			"queryType": map[string]any{
				"fields": []any{
					map[string]any{
						"name": "user",
						"type": map[string]any{"kind": "OBJECT", "name": "User", "ofType": nil},
					},
				},
			},
		},
	}, got)
}

func TestIntrospectionErrors(t *testing.T) {
	_, _, err := introspectionPlan(t, `query ($n: String!) { __type(name: $n) { name } }`)
	require.ErrorContains(t, err, `"name" of __type must be a literal`)

	_, _, err = introspectionPlan(t, `query ($d: Boolean) { __type(name: "User") { fields(includeDeprecated: $d) { name } } }`)
	require.ErrorContains(t, err, `"includeDeprecated" must be a literal`)

	plan, _, err := introspectionPlan(t, `{ user { id } }`)
	require.NoError(t, err)
	require.False(t, plan.Introspects)
}
