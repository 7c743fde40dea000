package errdefs

import (
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
)

func TestCategories(t *testing.T) {
	assert.ErrorIs(t, Configuration("field %s", "App"), ErrConfiguration)
	assert.ErrorIs(t, Resolution("none"), ErrResolution)
	assert.ErrorIs(t, State("not running"), ErrState)

	err := Start(io.ErrUnexpectedEOF, "container %s", "mongo:7")
	assert.ErrorIs(t, err, ErrStart)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "container mongo:7")
}

func TestUnresolvableOverrideMatchesBoth(t *testing.T) {
	err := UnresolvableOverride("strategy %q not found", "nope")
	assert.ErrorIs(t, err, ErrResolution)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestWrapConfiguration(t *testing.T) {
	assert.NoError(t, WrapConfiguration(nil))

	var merr *multierror.Error
	merr = multierror.Append(merr, errors.New("field A must be exported"))
	merr = multierror.Append(merr, errors.New("field B must be a pointer"))

	err := WrapConfiguration(merr.ErrorOrNil())
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "field A")
	assert.Contains(t, err.Error(), "field B")

	already := Configuration("x")
	assert.Same(t, already, WrapConfiguration(already))
}
