package helpers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicErrorStoreOnce(t *testing.T) {
	t.Parallel()
	ae := AtomicError{}
	e, found := ae.Load()
	assert.NoError(t, e)
	assert.False(t, found)

	first := fmt.Errorf("first")
	prev, was := ae.StoreOnce(first)
	assert.NoError(t, prev)
	assert.False(t, was)

	prev, was = ae.StoreOnce(fmt.Errorf("second"))
	assert.Equal(t, first, prev)
	assert.True(t, was)

	e, found = ae.Load()
	assert.Equal(t, first, e)
	assert.True(t, found)
}
