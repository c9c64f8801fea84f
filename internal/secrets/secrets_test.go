package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "vault.bin")
	v := NewVault(path, []byte("hunter2"))

	_, err := v.Get(ctx, KeyOpenAI)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, v.Insert(ctx, KeyOpenAI, []byte("sk-test")))
	require.NoError(t, v.Insert(ctx, KeyElevenLabs, []byte("el-test")))

	got, err := v.Get(ctx, KeyOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", string(got))

	// A fresh handle with the same passphrase reads the same file.
	again := NewVault(path, []byte("hunter2"))
	got, err = again.Get(ctx, KeyElevenLabs)
	require.NoError(t, err)
	assert.Equal(t, "el-test", string(got))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-test")
}

func TestVault_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.bin")
	require.NoError(t, NewVault(path, []byte("right")).Insert(ctx, KeyOpenAI, []byte("sk")))

	_, err := NewVault(path, []byte("wrong")).Get(ctx, KeyOpenAI)
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestVault_EmptyValueIsNotFound(t *testing.T) {
	ctx := context.Background()
	v := NewVault(filepath.Join(t.TempDir(), "vault.bin"), []byte("pw"))
	require.NoError(t, v.Insert(ctx, KeyOpenAI, []byte{}))

	_, err := v.Get(ctx, KeyOpenAI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvStore(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("ELEVENLABS_API_KEY", "")
	e := NewEnvStore()
	ctx := context.Background()

	got, err := e.Get(ctx, KeyOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", string(got))

	_, err = e.Get(ctx, KeyElevenLabs)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Get(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.Insert(ctx, KeyOpenAI, []byte("x")), ErrReadOnly)
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("ELEVENLABS_API_KEY", "")
	vault := NewVault(filepath.Join(t.TempDir(), "vault.bin"), []byte("pw"))
	chain := Chain{vault, NewEnvStore()}

	got, err := chain.Get(ctx, KeyOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", string(got), "falls through to env")

	require.NoError(t, chain.Insert(ctx, KeyOpenAI, []byte("sk-vault")))
	got, err = chain.Get(ctx, KeyOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-vault", string(got), "vault wins once set")

	_, err = chain.Get(ctx, KeyElevenLabs)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, Chain{NewEnvStore()}.Insert(ctx, KeyOpenAI, nil), ErrReadOnly)
}
