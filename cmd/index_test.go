package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocuments(t *testing.T) {
	in := strings.Join([]string{
		`# exported from api.log`,
		`{"id":"doc-1","namespace":"logs","repo_id":"r1","source_type":"log","text":"ERROR db timeout","timestamp":"2026-03-04T12:00:00Z","vector":[0.1,0.2]}`,
		``,
		`{"namespace":"commits","source_type":"commit","source_id":"abc123","text":"fix retry loop","metadata":{"author":"dev"}}`,
	}, "\n")

	records, err := parseDocuments(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "doc-1", records[0].ID)
	assert.Equal(t, "logs", records[0].Namespace)
	assert.Equal(t, "r1", records[0].RepoID)
	assert.Equal(t, []float32{0.1, 0.2}, records[0].Vector)
	assert.Equal(t, 2026, records[0].Timestamp.Year())

	assert.NotEmpty(t, records[1].ID, "missing IDs are generated")
	assert.Empty(t, records[1].Vector)
	assert.Equal(t, "abc123", records[1].SourceID)
	assert.Equal(t, "dev", records[1].Metadata["author"])
}

func TestParseDocuments_Errors(t *testing.T) {
	_, err := parseDocuments(strings.NewReader(`{"namespace":"logs"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = parseDocuments(strings.NewReader("\n" + `{"namespace":"logs","text":"  "}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2: namespace and text are required")

	records, err := parseDocuments(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRequireWeaviate_Unset(t *testing.T) {
	testEnv(t)
	_, err := requireWeaviate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weaviate.host is not set")
}
