package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Clone(ErrConflict, "window already open")
	wrapped := fmt.Errorf("create: %w", err)

	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, "window already open", FromError(wrapped).Message)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	e := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, e.Code)
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Nil(t, FromError(nil))
}

func TestStorageKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := Storage(cause, "roster read failed")

	assert.True(t, errors.Is(e, ErrStorageUnavailable))
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "refused")
}
