package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus_MapsKindsPerSpec(t *testing.T) {
	cases := map[Kind]int{
		KindInputInvalid:  http.StatusBadRequest,
		KindNotFound:      http.StatusNotFound,
		KindStateConflict: http.StatusConflict,
		KindInternal:      http.StatusInternalServerError,
		KindUpstreamTerminal: http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestWrap_ErrorStringIncludesCauseButPublicStaysSeparate(t *testing.T) {
	cause := errors.New("raw internal detail")
	err := Wrap(KindInternal, "something went wrong", cause)

	assert.Contains(t, err.Error(), "raw internal detail")
	assert.Equal(t, "something went wrong", err.Public)
	assert.ErrorIs(t, err, cause)
}

func TestNew_HasNoWrappedCause(t *testing.T) {
	err := New(KindInputInvalid, "bad input")
	assert.Nil(t, err.Cause)
	assert.NotContains(t, err.Error(), "%!")
}

func TestAs_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := Wrap(KindNotFound, "job not found", errors.New("no rows"))
	wrapped := fmt.Errorf("loading job: %w", base)

	got, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, got.Kind)
}

func TestKindOf_ReturnsInternalForPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestKindOf_ReturnsWrappedKind(t *testing.T) {
	err := New(KindCancelled, "job was cancelled")
	assert.Equal(t, KindCancelled, KindOf(err))
}
