package pagination

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseDefaultsAndClamping(t *testing.T) {
	tests := []struct {
		name     string
		query    url.Values
		opts     Options
		wantSize int
	}{
		{
			name:     "empty query uses default",
			query:    url.Values{},
			opts:     Options{},
			wantSize: DefaultPageSize,
		},
		{
			name:     "handler default wins over package default",
			query:    url.Values{},
			opts:     Options{DefaultPageSize: 20},
			wantSize: 20,
		},
		{
			name:     "explicit value",
			query:    url.Values{"pageSize": {"25"}},
			opts:     Options{},
			wantSize: 25,
		},
		{
			name:     "value above max clamps",
			query:    url.Values{"pageSize": {"5000"}},
			opts:     Options{MaxPageSize: 100},
			wantSize: 100,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params, err := Parse(tc.query, tc.opts)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if params.PageSize != tc.wantSize {
				t.Errorf("PageSize = %d, want %d", params.PageSize, tc.wantSize)
			}
		})
	}
}

func TestParseRejectsInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		_, err := Parse(url.Values{"pageSize": {raw}}, Options{})
		if !errors.Is(err, ErrInvalidPageSize) {
			t.Errorf("pageSize %q: err = %v, want ErrInvalidPageSize", raw, err)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{StartAfter: []any{"2025-03-02T10:00:00Z", "OD-1001"}}

	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if token == "" {
		t.Fatal("token is empty")
	}

	params, err := Parse(url.Values{"pageToken": {token}}, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(params.Cursor.StartAfter) != 2 {
		t.Fatalf("StartAfter = %v", params.Cursor.StartAfter)
	}
	if params.Cursor.StartAfter[1] != "OD-1001" {
		t.Errorf("StartAfter[1] = %v", params.Cursor.StartAfter[1])
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"%%%", "bm90LWpzb24"} {
		if _, err := DecodeToken(raw); !errors.Is(err, ErrInvalidPageToken) {
			t.Errorf("token %q: err = %v, want ErrInvalidPageToken", raw, err)
		}
	}
}
