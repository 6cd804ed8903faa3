package secureconnect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLocalUUIDIsNonZeroAndVaries(t *testing.T) {
	a := NewLocalUUID()
	b := NewLocalUUID()
	assert.NotEqual(t, [16]byte{}, a)
	assert.NotEqual(t, a, b)
}
