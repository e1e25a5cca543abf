package fsstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore"
	"github.com/ubuntu/invoice-ingest/internal/ingest/objectstore/fsstore"
)

func TestPath(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		bucket string
		key    string

		want    string
		wantErr bool
	}{
		"Simple key": {bucket: "b", key: "data.json", want: filepath.Join("b", "data.json")},
		"Nested key": {bucket: "b", key: "entrada/data.json", want: filepath.Join("b", "entrada", "data.json")},

		// Error cases
		"Error on empty bucket":        {bucket: "", key: "data.json", wantErr: true},
		"Error on nested bucket":       {bucket: "a/b", key: "data.json", wantErr: true},
		"Error on bucket escaping":     {bucket: "..", key: "data.json", wantErr: true},
		"Error on empty key":           {bucket: "b", key: "", wantErr: true},
		"Error on key escaping bucket": {bucket: "b", key: "../other/data.json", wantErr: true},
		"Error on absolute key":        {bucket: "b", key: "/etc/passwd", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			s := fsstore.New(root)

			got, err := s.Path(tc.bucket, tc.key)
			if tc.wantErr {
				require.Error(t, err, "Path should reject the object location")
				return
			}
			require.NoError(t, err, "Path should not fail")
			require.Equal(t, filepath.Join(root, tc.want), got, "Path returned an unexpected location")
		})
	}
}

func TestPutGet(t *testing.T) {
	t.Parallel()

	s := fsstore.New(t.TempDir())

	require.NoError(t, s.Put(t.Context(), "b", "entrada/data.json", []byte(`[1]`)), "Put should create intermediate directories")

	got, err := s.Get(t.Context(), "b", "entrada/data.json")
	require.NoError(t, err, "Get should not fail on an existing object")
	require.Equal(t, `[1]`, string(got), "Get should return what was put")

	_, err = s.Get(t.Context(), "b", "entrada/missing.json")
	require.ErrorIs(t, err, objectstore.ErrNotFound, "Get should return ErrNotFound on missing objects")
}

func TestCopyDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := fsstore.New(root)
	require.NoError(t, s.Put(t.Context(), "b", "entrada/data.json", []byte(`[]`)), "Setup: Put should not fail")

	require.NoError(t, s.Copy(t.Context(), "b", "entrada/data.json", "sucesso/20250304050607_data.json"), "Copy should not fail")
	require.FileExists(t, filepath.Join(root, "b", "sucesso", "20250304050607_data.json"), "Copy should create the destination")
	require.FileExists(t, filepath.Join(root, "b", "entrada", "data.json"), "Copy should keep the source")

	require.NoError(t, s.Delete(t.Context(), "b", "entrada/data.json"), "Delete should not fail")
	require.NoFileExists(t, filepath.Join(root, "b", "entrada", "data.json"), "Delete should remove the object")
	require.NoError(t, s.Delete(t.Context(), "b", "entrada/data.json"), "Delete should not fail on a missing object")

	err := s.Copy(t.Context(), "b", "entrada/data.json", "erro/x.json")
	require.ErrorIs(t, err, objectstore.ErrNotFound, "Copy should fail on a missing source")
}

func TestList(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := fsstore.New(root)

	for _, k := range []string{"entrada/b.json", "entrada/a.json", "sucesso/c.json"} {
		require.NoError(t, s.Put(t.Context(), "b", k, []byte(`[]`)), "Setup: Put should not fail")
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "entrada", "tmp-1.tmp"), nil, 0600), "Setup: could not write temporary file")

	got, err := s.List(t.Context(), "b", "entrada/")
	require.NoError(t, err, "List should not fail")
	require.Equal(t, []string{"entrada/a.json", "entrada/b.json"}, got, "List should return sorted keys under the prefix")

	got, err = s.List(t.Context(), "b", "")
	require.NoError(t, err, "List should not fail")
	require.Len(t, got, 3, "List with an empty prefix should return all objects")

	got, err = s.List(t.Context(), "missing", "")
	require.NoError(t, err, "List should not fail on a missing bucket")
	require.Empty(t, got, "List should return nothing on a missing bucket")
}
