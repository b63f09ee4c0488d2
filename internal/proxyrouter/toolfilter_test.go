package proxyrouter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolFilterEmptyIncludesEverything(t *testing.T) {
	f := NewToolFilter(nil)
	require.True(t, f.ShouldInclude("anything"))
}

func TestToolFilterPrefixAndSuffixGlobs(t *testing.T) {
	f := NewToolFilter([]string{"delete*", "*account"})

	require.True(t, f.ShouldInclude("createTask"))
	require.True(t, f.ShouldInclude("listTasks"))
	require.False(t, f.ShouldInclude("deleteTask"))
	require.False(t, f.ShouldInclude("getAccount"))
}

func TestToolFilterExactName(t *testing.T) {
	f := NewToolFilter([]string{"exactName"})

	require.False(t, f.ShouldInclude("exactName"))
	require.True(t, f.ShouldInclude("exactNameX"))
	require.True(t, f.ShouldInclude("notexactName"))
}

func TestToolFilterCaseInsensitive(t *testing.T) {
	f := NewToolFilter([]string{"Delete*"})
	require.False(t, f.ShouldInclude("deleteTask"))
	require.False(t, f.ShouldInclude("DELETETASK"))
}

func TestToolFilterRegexMetacharactersAreEscaped(t *testing.T) {
	f := NewToolFilter([]string{"a.b"})
	require.False(t, f.ShouldInclude("a.b"))
	require.True(t, f.ShouldInclude("axb"))
}
