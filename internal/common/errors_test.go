package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserErrorMessage(t *testing.T) {
	cause := errors.New("open /tmp/missing.csv: no such file or directory")
	err := NewUserError("could not read statement file", cause)

	assert.Equal(t, "could not read statement file: open /tmp/missing.csv: no such file or directory", err.Error())
	assert.ErrorIs(t, err, cause, "the cause stays reachable for errors.Is")

	var userErr *UserError
	assert.ErrorAs(t, err, &userErr)
	assert.Equal(t, "could not read statement file", userErr.UserMessage)
}

func TestUserErrorWithoutCause(t *testing.T) {
	err := NewUserError("nothing staged yet", nil)
	assert.Equal(t, "nothing staged yet", err.Error())
}
