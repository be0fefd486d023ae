package storage

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndVerify(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("case-1", "att-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	require.NoError(t, signer.Verify(token, "case-1", "att-1"))
	require.Error(t, signer.Verify(token, "case-1", "att-2"))
	require.Error(t, signer.Verify(token, "case-2", "att-1"))
	require.Error(t, NewSignedURLSigner("other", time.Hour).Verify(token, "case-1", "att-1"))
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Millisecond*10)
	token, _, err := signer.Generate("case-1", "att-1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond * 20)

	require.Error(t, signer.Verify(token, "case-1", "att-1"))
}

func TestSignedURLSignerRequiresSecret(t *testing.T) {
	_, _, err := NewSignedURLSigner("", time.Hour).Generate("case-1", "att-1")
	require.Error(t, err)
}

func TestLocalStorageRoundTrip(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	n, err := store.SaveStream("case-1/att-1/acta.pdf", strings.NewReader("%PDF-1.4"), 1024)
	require.NoError(t, err)
	require.EqualValues(t, 8, n)

	file, err := store.Open("case-1/att-1/acta.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	require.Equal(t, "%PDF-1.4", string(data))

	require.NoError(t, store.Delete("case-1/att-1/acta.pdf"))
	_, err = store.Open("case-1/att-1/acta.pdf")
	require.Error(t, err)
}

func TestLocalStorageRejectsOversizedFiles(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.SaveStream("case-1/big.bin", bytes.NewReader(make([]byte, 64)), 32)
	require.ErrorIs(t, err, ErrTooLarge)
	_, err = store.Open("case-1/big.bin")
	require.Error(t, err)
}

func TestLocalStorageStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStorage(root)
	require.NoError(t, err)

	_, err = store.SaveStream("../../etc/evil", strings.NewReader("x"), 0)
	require.NoError(t, err)
	file, err := store.Open("etc/evil")
	require.NoError(t, err)
	require.NoError(t, file.Close())
}
