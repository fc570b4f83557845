package vm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateVmmID(t *testing.T) {
	assert.NoError(t, ValidateVmmID("my-vm-1"))
	assert.ErrorIs(t, ValidateVmmID(""), ErrVmmIDTooShort)
	assert.ErrorIs(t, ValidateVmmID(strings.Repeat("a", 61)), ErrVmmIDTooLong)
	assert.ErrorIs(t, ValidateVmmID("bad id!"), ErrVmmIDContainsInvalidCharacter)
}

func TestNewVmmIDIsValid(t *testing.T) {
	id := NewVmmID()
	assert.NoError(t, ValidateVmmID(id))
	assert.NotEqual(t, id, NewVmmID())
}
