package pagination

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/Sternrassler/ghscrape/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePage(t *testing.T) {
	header := http.Header{}
	header.Set("Link", `<https://api.github.com/search/repositories?page=3>; rel="next"`)

	page, err := ParsePage(&client.Response{
		StatusCode: 200,
		Header:     header,
		Body:       []byte(`{"total_count":42,"incomplete_results":false,"items":[{"id":1},{"id":2}]}`),
	}, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, page.Number)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 42, page.TotalCount)
	assert.Equal(t, "https://api.github.com/search/repositories?page=3", page.NextURL)
}

func TestParsePage_ShapeError(t *testing.T) {
	_, err := ParsePage(&client.Response{
		Header: http.Header{},
		Body:   []byte(`{"message":"You have triggered an abuse detection mechanism"}`),
	}, 1)

	var shape *ShapeError
	require.True(t, errors.As(err, &shape))
	assert.True(t, shape.IsAbuse())
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = ParsePage(&client.Response{Header: http.Header{}, Body: []byte(`{"message":"Not Found"}`)}, 1)
	require.True(t, errors.As(err, &shape))
	assert.False(t, shape.IsAbuse())
}

func TestParsePage_EmptyItems(t *testing.T) {
	page, err := ParsePage(&client.Response{Header: http.Header{}, Body: []byte(`{"total_count":0,"items":[]}`)}, 1)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestParseItem(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantID   string
		wantName string
		wantErr  bool
	}{
		{name: "numeric id", raw: `{"id":1296269,"full_name":"octocat/hello"}`, wantID: "1296269", wantName: "octocat/hello"},
		{name: "string id", raw: `{"id":"R_kgDO","full_name":"a/b"}`, wantID: "R_kgDO", wantName: "a/b"},
		{name: "missing id", raw: `{"full_name":"a/b"}`, wantID: "", wantName: "a/b"},
		{name: "null id", raw: `{"id":null}`, wantID: ""},
		{name: "not an object", raw: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := ParseItem(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, item.ID)
			assert.Equal(t, tt.wantName, item.FullName)
			assert.JSONEq(t, tt.raw, string(item.Raw))
		})
	}
}
