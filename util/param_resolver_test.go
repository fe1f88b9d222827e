package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var resolverData = map[string]any{
	"input": map[string]any{
		"name":  "Ana",
		"count": 3.0,
		"tags":  []any{"a", "b"},
	},
	"variables": map[string]any{
		"phone": "+15551234567",
	},
}

func TestResolveString(t *testing.T) {
	require.Equal(t, "Hello Ana, you have 3 items", ResolveString(resolverData, "Hello {$.input.name}, you have {$.input.count} items"))
	require.Equal(t, 3.0, ResolveString(resolverData, "{$.input.count}"))
	require.Equal(t, []any{"a", "b"}, ResolveString(resolverData, "{$.input.tags}"))
	require.Equal(t, "no tokens", ResolveString(resolverData, "no tokens"))
	require.Equal(t, "missing: ", ResolveString(resolverData, "missing: {$.input.nope}"))
	require.Equal(t, "", ResolveString(resolverData, "{$.input.nope}"))
	require.Equal(t, "{literal}", ResolveString(resolverData, "{literal}"))
}

func TestResolveParams(t *testing.T) {
	params := map[string]any{
		"to":    "{$.variables.phone}",
		"retry": 2,
		"nested": map[string]any{
			"greeting": "hi {$.input.name}",
		},
		"list": []any{"{$.input.name}", []any{"x"}},
	}
	out := ResolveParams(resolverData, params)
	require.Equal(t, "+15551234567", out["to"])
	require.Equal(t, 2, out["retry"])
	require.Equal(t, map[string]any{"greeting": "hi Ana"}, out["nested"])
	require.Equal(t, []any{"Ana", []any{"x"}}, out["list"])
}

func TestLookup(t *testing.T) {
	v, err := Lookup(resolverData, "{$.input.name}")
	require.NoError(t, err)
	require.Equal(t, "Ana", v)

	_, err = Lookup(resolverData, "input.name")
	require.Error(t, err)
}

func TestResolveText(t *testing.T) {
	require.Equal(t, "3", ResolveText(resolverData, "{$.input.count}"))
	require.Equal(t, "", ResolveText(resolverData, "{$.input.nope}"))
}
