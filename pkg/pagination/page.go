package pagination

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Sternrassler/ghscrape/pkg/client"
)

// ErrBadShape is returned for a page body that carries no item list.
var ErrBadShape = errors.New("page has no item list")

// Page is one parsed page of a paginated endpoint.
type Page struct {
	Number     int
	Items      []json.RawMessage
	TotalCount int // search pages only
	Links      map[string]string
	NextURL    string
	FromCache  bool
}

// Item is one record yielded by a Stream. Raw is the API object verbatim.
type Item struct {
	Raw      json.RawMessage
	ID       string
	FullName string
}

// ShapeError reports a page without items and the message the API embedded.
type ShapeError struct {
	Message          string
	DocumentationURL string
}

func (e *ShapeError) Error() string {
	if e.Message == "" {
		return ErrBadShape.Error()
	}
	return fmt.Sprintf("%s: %s", ErrBadShape, e.Message)
}

func (e *ShapeError) Unwrap() error {
	return ErrBadShape
}

// IsAbuse reports whether the embedded message points at rate limiting or
// abuse detection.
func (e *ShapeError) IsAbuse() bool {
	m := strings.ToLower(e.Message)
	return strings.Contains(m, "abuse") || strings.Contains(m, "rate limit")
}

// ParsePage reads items from either a search result object or a bare array,
// and the next relation from the Link header.
func ParsePage(resp *client.Response, number int) (*Page, error) {
	body := bytes.TrimSpace(resp.Body)

	page := &Page{
		Number:    number,
		Links:     ParseLinkHeader(resp.Header.Get("Link")),
		FromCache: resp.FromCache,
	}
	page.NextURL = page.Links["next"]

	switch {
	case len(body) > 0 && body[0] == '[':
		if err := json.Unmarshal(body, &page.Items); err != nil {
			return nil, fmt.Errorf("decode page %d: %w", number, err)
		}
		return page, nil

	case len(body) > 0 && body[0] == '{':
		var envelope struct {
			TotalCount       int                `json:"total_count"`
			Items            *[]json.RawMessage `json:"items"`
			Message          string             `json:"message"`
			DocumentationURL string             `json:"documentation_url"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decode page %d: %w", number, err)
		}
		if envelope.Items == nil {
			return nil, &ShapeError{Message: envelope.Message, DocumentationURL: envelope.DocumentationURL}
		}
		page.Items = *envelope.Items
		page.TotalCount = envelope.TotalCount
		return page, nil
	}

	return nil, &ShapeError{}
}

// ParseItem extracts the identity of a raw item. Numeric and string ids are
// both accepted.
func ParseItem(raw json.RawMessage) (Item, error) {
	var ident struct {
		ID       json.RawMessage `json:"id"`
		FullName string          `json:"full_name"`
	}
	if err := json.Unmarshal(raw, &ident); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}
	return Item{Raw: raw, ID: normalizeID(ident.ID), FullName: ident.FullName}, nil
}

func normalizeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
	}
	return string(raw)
}
