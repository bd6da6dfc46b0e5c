package router

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type cursorPayload struct {
	Offset int `json:"offset"`
}

// EncodeCursor builds an opaque pagination cursor carrying offset.
func EncodeCursor(offset int) string {
	payload, _ := json.Marshal(cursorPayload{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeCursor reverses EncodeCursor. An empty cursor decodes to offset 0,
// per spec ("the empty/absent cursor denotes offset 0"). Any other
// malformed cursor is an error the caller should turn into -32602.
func DecodeCursor(cursor string) (offset int, err error) {
	if cursor == "" {
		return 0, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}

	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}
	if payload.Offset < 0 {
		return 0, fmt.Errorf("malformed cursor: negative offset")
	}

	return payload.Offset, nil
}

// paginate slices items starting at the cursor's offset. If limit <= 0 the
// full tail is returned and there is no next cursor. If items remain past
// the slice, nextCursor is non-empty.
func paginate[T any](items []T, offset, limit int) (page []T, nextCursor string) {
	if offset >= len(items) {
		return nil, ""
	}

	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page = items[offset:end]
	if end < len(items) {
		nextCursor = EncodeCursor(end)
	}
	return page, nextCursor
}
