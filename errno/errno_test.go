package errno

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeKnownCodes(t *testing.T) {
	for _, e := range []Errno{EINVAL, ENOMEM, EIO, EFSBADSUPER, EFSBADINO, EBLKTIMEOUT} {
		assert.NotEmpty(t, Describe(e))
		assert.NotContains(t, Describe(e), "unknown")
	}
}

func TestDescribeUnknownCode(t *testing.T) {
	assert.Equal(t, "unknown error 9999", Describe(Errno(9999)))
	assert.Equal(t, "unknown error 77", Errno(77).Error())
}

func TestBandClassification(t *testing.T) {
	assert.Equal(t, BandGeneric, EINVAL.Band())
	assert.Equal(t, BandFs, EFSBADINO.Band())
	assert.Equal(t, BandFs, Errno(199).Band())
	assert.Equal(t, BandBlk, EBLKIO.Band())
	assert.Equal(t, BandMem, EMEMFAULT.Band())
	// Unrecognized codes still classify by range.
	assert.Equal(t, BandExec, Errno(255).Band())
}

func TestWrappedErrnoMatches(t *testing.T) {
	err := fmt.Errorf("mounting volume: %w", EFSBADSUPER)
	assert.True(t, errors.Is(err, EFSBADSUPER))
	assert.False(t, errors.Is(err, EFSBADINO))
}
