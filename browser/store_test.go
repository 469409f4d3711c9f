package browser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/stretchr/testify/require"
)

const validID = "Zm9vYmFyYmF6cXV4cXV1eHF1dXhxdXV4"

func TestStateStorePathRejectsTraversal(t *testing.T) {
	s, err := NewStateStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../../etc/passwd", "a/b", "short", "has space in it and is long enough"} {
		_, err := s.Path(id)
		require.ErrorIs(t, err, apperrors.ErrValidation, id)
		require.False(t, s.Exists(id))
	}
}

func TestStateStoreWriteOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStateStore(dir)
	require.NoError(t, err)

	_, err = s.Read(validID)
	require.ErrorIs(t, err, apperrors.ErrNoSavedState)

	path, err := s.Write(context.Background(), validID, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, validID+".state"), path)

	_, err = s.Write(context.Background(), validID, []byte("second"))
	require.NoError(t, err)

	data, err := s.Read(validID)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}

func TestUnmarshalStateRejectsGarbage(t *testing.T) {
	_, err := UnmarshalState([]byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, apperrors.ErrDecryptionFailed)

	st, err := UnmarshalState([]byte(`{"cookies":[{"name":"a","domain":"x.edu","path":"/"}],"storage":{}}`))
	require.NoError(t, err)
	require.Len(t, st.Cookies, 1)
}
