package record_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
	"golang.org/x/text/encoding"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		doc string

		wantKind record.Kind
		wantErr  bool
	}{
		"Object":           {doc: `{"a":1}`, wantKind: record.KindObject},
		"Array":            {doc: `[1, "a", null]`, wantKind: record.KindArray},
		"Number":           {doc: `12.50`, wantKind: record.KindNumber},
		"String":           {doc: `"a"`, wantKind: record.KindString},
		"Bool":             {doc: `false`, wantKind: record.KindBool},
		"Null":             {doc: `null`, wantKind: record.KindNull},
		"Trailing spaces":  {doc: "[]\n\n", wantKind: record.KindArray},

		// Error cases
		"Empty document":   {doc: ``, wantErr: true},
		"Truncated":        {doc: `[{"id":`, wantErr: true},
		"Trailing data":    {doc: `[] []`, wantErr: true},
		"Not JSON at all":  {doc: `id,client`, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := record.Parse([]byte(tc.doc))
			if tc.wantErr {
				require.Error(t, err, "Parse should fail")
				return
			}
			require.NoError(t, err, "Parse should not fail")
			require.Equal(t, tc.wantKind, got.Kind, "Parse returned an unexpected kind")
		})
	}
}

func TestParseBatch(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		doc string

		wantLen      int
		wantErr      bool
		wantNotArray bool
		wantInvalid  bool
	}{
		"Empty array":              {doc: `[]`},
		"Mixed elements":           {doc: `[{"id":"NF-1"}, 3, "x", null]`, wantLen: 4},
		"UTF-8 byte order mark":    {doc: "\xef\xbb\xbf[1, 2]", wantLen: 2},
		"UTF-16LE byte order mark": {doc: "\xff\xfe[\x001\x00]\x00", wantLen: 1},
		"UTF-16BE byte order mark": {doc: "\xfe\xff\x00[\x00\"\x00\xe9\x00\"\x00]", wantLen: 1},

		// Error cases
		"Object":       {doc: `{"id":"NF-1"}`, wantErr: true, wantNotArray: true},
		"Invalid JSON": {doc: `[{]`, wantErr: true},

		"Invalid UTF-8 in a string": {
			doc:         "[\"Jo\xe3o\"]",
			wantErr:     true,
			wantInvalid: true,
		},
		"Invalid UTF-8 after a UTF-8 byte order mark": {
			doc:         "\xef\xbb\xbf[\"\xff\"]",
			wantErr:     true,
			wantInvalid: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := record.ParseBatch([]byte(tc.doc))
			if tc.wantErr {
				require.Error(t, err, "ParseBatch should fail")
				if tc.wantNotArray {
					require.ErrorIs(t, err, record.ErrNotArray, "ParseBatch should report a non array document")
				}
				if tc.wantInvalid {
					require.ErrorIs(t, err, encoding.ErrInvalidUTF8, "ParseBatch should report invalid UTF-8")
				}
				return
			}
			require.NoError(t, err, "ParseBatch should not fail")
			require.Len(t, got, tc.wantLen, "ParseBatch returned an unexpected number of elements")
		})
	}
}

func TestValueRoundTripKeepsNumberLiterals(t *testing.T) {
	t.Parallel()

	const doc = `{"big":123456789012345678901234567890,"precise":0.1000000000000000000000001,"list":[1.50,true,null]}`

	v, err := record.Parse([]byte(doc))
	require.NoError(t, err, "Setup: Parse should not fail")

	got, err := json.Marshal(v)
	require.NoError(t, err, "Marshal should not fail")
	require.JSONEq(t, doc, string(got), "Numbers should keep their literal")
	require.Contains(t, string(got), "123456789012345678901234567890", "Big integers should not be rounded")
	require.Contains(t, string(got), "1.50", "Number literals should be preserved as is")
}
