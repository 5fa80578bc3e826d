package pagination

import "testing"

type row struct{ id string }

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "1799", CreatedAt: "2026-01-02T03:04:05Z"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor.ID != "1799" || cursor.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}
}

func TestBuildCursorPageInfoSignalsNextPage(t *testing.T) {
	data := []*row{{id: "a"}, {id: "b"}, {id: "c"}}
	info := BuildCursorPageInfo(data, 2, func(r *row) string { return r.id })
	if !info.HasMore || info.NextPageToken != "b" {
		t.Fatalf("unexpected page info: %+v", info)
	}

	last := BuildCursorPageInfo(data[:2], 2, func(r *row) string { return r.id })
	if last.HasMore || last.NextPageToken != "" {
		t.Fatalf("expected final page, got %+v", last)
	}
}
