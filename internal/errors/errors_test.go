package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"chain", NewChainUnavailableError("ethereum", fmt.Errorf("dial tcp: timeout")), ErrChainUnavailable},
		{"delivery", NewDeliveryError("telegram", fmt.Errorf("502")), ErrDeliveryFailure},
		{"malformed", NewMalformedEventError("bad json"), ErrMalformedEvent},
		{"stale", NewStaleWriteError("ethereum:uniswap_v3:1", 5, 9), ErrStaleWrite},
		{"unknown", NewUnknownPositionError("ethereum:uniswap_v3:1"), ErrUnknownPosition},
		{"fmt wrapped", fmt.Errorf("fetch: %w", ErrChainUnavailable), ErrChainUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, stderrors.Is(tt.err, tt.sentinel), "errors.Is(%v, %v)", tt.err, tt.sentinel)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"chain unavailable", NewChainUnavailableError("base", stderrors.New("eof")), true},
		{"bare chain sentinel", fmt.Errorf("x: %w", ErrChainUnavailable), true},
		{"delivery", NewDeliveryError("webhook", stderrors.New("timeout")), true},
		{"database", NewDatabaseError("upsert", stderrors.New("conn reset")), true},
		{"malformed", NewMalformedEventError("missing field"), false},
		{"stale", NewStaleWriteError("r", 1, 2), false},
		{"unknown position", NewUnknownPositionError("r"), false},
		{"not found on chain", fmt.Errorf("token 9: %w", ErrPositionNotFound), false},
		{"plain", stderrors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatusCode(fmt.Errorf("decode: %w", ErrMalformedEvent)))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatusCode(NewNotFoundError("position", "x")))
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(fmt.Errorf("w: %w", ErrStaleWrite)))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatusCode(stderrors.New("boom")))
	assert.True(t, IsUserError(NewInvalidParameterError("wallet", "empty")))
}

func TestCategorize(t *testing.T) {
	assert.Nil(t, Categorize(nil))

	cat := Categorize(fmt.Errorf("token 7: %w", ErrPositionNotFound))
	assert.Equal(t, CategoryNotFound, cat.Category)
	assert.Equal(t, "UNKNOWN_POSITION", cat.Code)
	assert.True(t, stderrors.Is(cat, ErrPositionNotFound))

	original := NewDeliveryError("telegram", stderrors.New("429"))
	assert.Same(t, original, Categorize(fmt.Errorf("send: %w", original)))

	body := Categorize(NewStaleWriteError("r", 3, 4)).ToServiceError()
	assert.Equal(t, "STALE_WRITE", body.Code)
	assert.Equal(t, uint64(4), body.Details["stored"])
}
