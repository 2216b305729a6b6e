package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKindAndCause(t *testing.T) {
	leaf := errors.New("nps actor unreachable")
	wrapped := Wrap(NpsUnreachable, leaf, "opening valve r1")

	require.Error(t, wrapped)
	assert.True(t, Is(wrapped, NpsUnreachable))
	assert.Equal(t, NpsUnreachable, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "opening valve r1")
	assert.Contains(t, wrapped.Error(), "nps actor unreachable")
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(NpsUnreachable, nil, "no-op"))
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.False(t, Is(errors.New("plain"), LockExists))
}

func TestDumpChainWalksEveryLayer(t *testing.T) {
	leaf := errors.New("lockfile exists")
	wrapped := Wrap(LockExists, leaf, "acquiring lock")

	dump := DumpChain(wrapped)
	assert.Contains(t, dump, "LockExists")
	assert.Contains(t, dump, "lockfile exists")
	assert.Contains(t, dump, "acquiring lock")
}
