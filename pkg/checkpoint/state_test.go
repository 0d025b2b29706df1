package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_SaveLoad(t *testing.T) {
	output := filepath.Join(t.TempDir(), "repos.jsonl")

	missing, err := LoadState(output)
	require.NoError(t, err)
	assert.Nil(t, missing)

	s := NewState("stars:>=10", FormatLine)
	_, err = uuid.Parse(s.RunID)
	require.NoError(t, err, "run id is a uuid")

	s.LastPage = 4
	s.NextURL = "https://api.github.com/search/repositories?page=5"
	s.Items = 400
	require.NoError(t, s.Save(output))

	loaded, err := LoadState(output)
	require.NoError(t, err)
	assert.Equal(t, s.RunID, loaded.RunID)
	assert.Equal(t, 4, loaded.LastPage)
	assert.Equal(t, s.NextURL, loaded.NextURL)

	url, ok := loaded.ResumeURL("stars:>=10")
	assert.True(t, ok)
	assert.Equal(t, s.NextURL, url)

	_, ok = loaded.ResumeURL("stars:>=50")
	assert.False(t, ok, "different query starts over")

	loaded.Completed = true
	_, ok = loaded.ResumeURL("stars:>=10")
	assert.False(t, ok, "completed run has nothing to resume")
}

func TestLoadState_Corrupt(t *testing.T) {
	output := filepath.Join(t.TempDir(), "repos.jsonl")
	require.NoError(t, os.WriteFile(StatePath(output), []byte("{"), 0o644))

	_, err := LoadState(output)
	assert.Error(t, err)
}

func TestEstimateStartPage(t *testing.T) {
	assert.Equal(t, 1, EstimateStartPage(0, 100))
	assert.Equal(t, 1, EstimateStartPage(99, 100))
	assert.Equal(t, 2, EstimateStartPage(100, 100))
	assert.Equal(t, 4, EstimateStartPage(350, 100))
	assert.Equal(t, 1, EstimateStartPage(350, 0))
}

func TestRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repos.jsonl")
	content := `{"id":1,"full_name":"a/b"}
{"id":2,"full_name":"c/d",}
not json at all

{"id":3,"tags":["x","y",]}
{"id":4}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	report, err := Repair(path)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Valid)
	assert.Equal(t, 2, report.Fixed)
	require.Len(t, report.Corrupted, 3)
	assert.Equal(t, 2, report.Corrupted[0].Number)
	assert.Equal(t, 3, report.Corrupted[1].Number)
	assert.Equal(t, 5, report.Corrupted[2].Number)

	_, records, err := Load(report.FixedPath, FormatLine)
	require.NoError(t, err)
	assert.Len(t, records, 4)

	corrupted, err := os.ReadFile(report.CorruptedPath)
	require.NoError(t, err)
	assert.Contains(t, string(corrupted), "# Line 3:")

	original, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(original), "input is left untouched")
}

func TestRepair_CleanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repos.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1}`+"\n"), 0o644))

	report, err := Repair(path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Valid)
	assert.Empty(t, report.FixedPath)
	assert.NoFileExists(t, path+FixedSuffix)
}
