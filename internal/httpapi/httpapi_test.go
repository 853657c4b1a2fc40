package httpapi

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ssh-vom/analysisd/internal/errs"
)

func TestStatusForMapsTypedErrors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(&errs.BadRequestError{Reason: "empty message"}))
	assert.Equal(t, http.StatusNotFound, statusFor(&errs.NotFoundError{Kind: "worldline", ID: "w_1"}))
	assert.Equal(t, http.StatusConflict, statusFor(&errs.HeadConflictError{WorldlineID: "w_1"}))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(&errs.CapacityLimitError{Pool: "turn", MaxQueue: 10}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestClampIterationsBounds(t *testing.T) {
	assert.Equal(t, 0, clampIterations(0))
	assert.Equal(t, 100, clampIterations(1000))
	assert.Equal(t, 5, clampIterations(5))
}

func TestClampLimitBounds(t *testing.T) {
	assert.Equal(t, 100, clampLimit(0))
	assert.Equal(t, 100_000, clampLimit(999_999))
	assert.Equal(t, 42, clampLimit(42))
}

func TestClampTimeoutBounds(t *testing.T) {
	assert.Equal(t, 30, clampTimeout(0))
	assert.Equal(t, 600, clampTimeout(9999))
	assert.Equal(t, 15, clampTimeout(15))
}
