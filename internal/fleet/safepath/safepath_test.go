package safepath

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidIdentifier(t *testing.T) {
	valid := []string{"agent", "Agent1", "my-agent_01", "a", "A9"}
	for _, s := range valid {
		assert.Truef(t, IsValidIdentifier(s), "expected %q to be valid", s)
	}

	invalid := []string{"", "-agent", "_agent", "../etc", "a/b", "a\\b", "a\x00b", "a b", ".", ".."}
	for _, s := range invalid {
		assert.Falsef(t, IsValidIdentifier(s), "expected %q to be invalid", s)
	}
}

func TestBuildSafePath_ValidStaysUnderBase(t *testing.T) {
	base := t.TempDir()

	p, err := BuildSafePath(base, []string{"sessions", "my-agent"}, ".json")
	require.NoError(t, err)
	assert.Contains(t, p, base)
	assert.Contains(t, p, "my-agent.json")
}

func TestBuildSafePath_RejectsTraversal(t *testing.T) {
	base := t.TempDir()

	_, err := BuildSafePath(base, []string{"../etc"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))
}

func TestBuildSafePath_RejectsEmbeddedSlash(t *testing.T) {
	base := t.TempDir()

	_, err := BuildSafePath(base, []string{"jobs/../../etc"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPathTraversal))
}
