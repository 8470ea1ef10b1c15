package apperrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomshen124/ocr-server/internal/apperrors"
)

func TestNew_AssignsStableCode(t *testing.T) {
	err := apperrors.New(apperrors.KindNotFound, "job not found")
	assert.Equal(t, apperrors.KindNotFound, err.Kind)
	assert.Equal(t, 1001, err.Code)
	assert.Equal(t, "job not found", err.Message)
	assert.Nil(t, err.Cause)
}

func TestWrap_PreservesCauseButNotInMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := apperrors.Wrap(apperrors.KindBackendUnavailable, "store unreachable", cause)

	assert.Equal(t, cause, err.Cause)
	assert.Equal(t, "store unreachable", err.Message)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused") // Error() is for logs, not the wire envelope
}

func TestIs_MatchesWrappedKind(t *testing.T) {
	err := apperrors.New(apperrors.KindConflict, "stale version")
	wrapped := fmt.Errorf("outer: %w", err)

	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	assert.True(t, apperrors.Is(wrapped, apperrors.KindConflict))
	assert.False(t, apperrors.Is(err, apperrors.KindTimeout))
	assert.False(t, apperrors.Is(errors.New("plain"), apperrors.KindConflict))
}

func TestKindOf_DefaultsToInternalForUnclassifiedErrors(t *testing.T) {
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(errors.New("boom")))
	assert.Equal(t, apperrors.KindTimeout, apperrors.KindOf(apperrors.New(apperrors.KindTimeout, "slow")))
}

func TestTransient_OnlyAllowsListedKinds(t *testing.T) {
	cases := map[apperrors.Kind]bool{
		apperrors.KindTimeout:            true,
		apperrors.KindBackendUnavailable: true,
		apperrors.KindFetchError:         true,
		apperrors.KindOcrError:           true,
		apperrors.KindInvalidRequest:     false,
		apperrors.KindConflict:           false,
		apperrors.KindRuleError:          false,
		apperrors.KindInternal:           false,
	}
	for kind, want := range cases {
		got := apperrors.Transient(apperrors.New(kind, "x"))
		assert.Equalf(t, want, got, "kind %q", kind)
	}
}
