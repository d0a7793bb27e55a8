package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByKind(t *testing.T) {
	req := require.New(t)

	cause := errors.New("disk full")
	err := fmt.Errorf("save message: %w", ErrPersistence.WithError(cause))

	req.ErrorIs(err, ErrPersistence)
	req.ErrorIs(err, cause)
	req.NotErrorIs(err, ErrNotFound)
	req.Equal(KindPersistence, KindOf(err))
	req.Equal(http.StatusInternalServerError, StatusOf(err))
}

func TestWithMessageKeepsKind(t *testing.T) {
	req := require.New(t)

	err := ErrNotFound.WithMessage("receiver not found")

	req.ErrorIs(err, ErrNotFound)
	req.Equal("receiver not found", MessageOf(err))
	req.Equal(http.StatusNotFound, StatusOf(err))
	req.Equal("not found", ErrNotFound.Message, "shared sentinel must not change")
}

func TestUnclassifiedError(t *testing.T) {
	req := require.New(t)

	err := errors.New("boom")

	req.Equal(KindInternal, KindOf(err))
	req.Equal(http.StatusInternalServerError, StatusOf(err))
	req.Equal("internal error", MessageOf(err))
}

func TestErrorString(t *testing.T) {
	req := require.New(t)

	req.Equal("authentication denied", ErrAuthDenied.Error())
	req.Equal("authentication denied: token expired",
		ErrAuthDenied.WithError(errors.New("token expired")).Error())
}
