package sapi

import (
	"encoding/json"
	"fmt"
)

// Page is one decoded provider response. Raw holds the body as received.
type Page struct {
	Shows      []json.RawMessage
	HasMore    bool
	NextCursor *string
	Raw        []byte
}

type pageEnvelope struct {
	Shows      []json.RawMessage `json:"shows"`
	HasMore    *bool             `json:"hasMore"`
	NextCursor *string           `json:"nextCursor"`
}

// DecodePage parses a response body. An empty nextCursor is treated as
// absent, and a missing hasMore is derived from whether a cursor is present.
func DecodePage(body []byte) (*Page, error) {
	var env pageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	page := &Page{
		Shows: env.Shows,
		Raw:   body,
	}
	if page.Shows == nil {
		page.Shows = []json.RawMessage{}
	}

	if env.NextCursor != nil && *env.NextCursor != "" {
		page.NextCursor = env.NextCursor
	}

	if env.HasMore != nil {
		page.HasMore = *env.HasMore
	} else {
		page.HasMore = page.NextCursor != nil
	}

	return page, nil
}
