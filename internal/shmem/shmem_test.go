package shmem

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("shmem-test-%d-%s", os.Getpid(), t.Name())
}

func TestCreateAndAttach(t *testing.T) {
	name := testName(t)

	r, err := Create(name, 4096)
	require.NoError(t, err)
	defer r.Close()

	copy(r.Bytes(), []byte("hello"))

	a, err := Attach(name)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "hello", string(a.Bytes()[:5]))
	assert.Len(t, a.Bytes(), 4096)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	name := testName(t)

	r, err := Create(name, 4096)
	require.NoError(t, err)
	defer r.Close()

	_, err = Create(name, 4096)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCloseUnlinksOwnedRegion(t *testing.T) {
	name := testName(t)

	r, err := Create(name, 4096)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = os.Stat(path(name))
	assert.True(t, os.IsNotExist(err))
}

func TestAttachDoesNotUnlinkOnClose(t *testing.T) {
	name := testName(t)

	r, err := Create(name, 4096)
	require.NoError(t, err)
	defer r.Close()

	a, err := Attach(name)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = os.Stat(path(name))
	assert.NoError(t, err, "a non-owning Close must not unlink the segment")
}

func TestWritesAreSharedBetweenMappings(t *testing.T) {
	name := testName(t)

	r, err := Create(name, 4096)
	require.NoError(t, err)
	defer r.Close()

	a, err := Attach(name)
	require.NoError(t, err)
	defer a.Close()

	r.Bytes()[100] = 0x42
	assert.Equal(t, byte(0x42), a.Bytes()[100])

	a.Bytes()[200] = 0x24
	assert.Equal(t, byte(0x24), r.Bytes()[200])
}
