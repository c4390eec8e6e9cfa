package orcherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchFailedRetriable(t *testing.T) {
	cases := []struct {
		reason DispatchReason
		want   bool
	}{
		{ReasonNetwork, true},
		{ReasonTimeout, true},
		{ReasonHTTP5xx, true},
		{ReasonHTTP4xx, false},
		{ReasonEnvelopeRejected, false},
		{ReasonMalformedResponse, false},
	}
	for _, tc := range cases {
		err := &DispatchFailed{Reason: tc.reason}
		assert.Equal(t, tc.want, err.Retriable(), "reason %s", tc.reason)
	}
}

func TestIsRetriableFailsClosed(t *testing.T) {
	assert.False(t, IsRetriable(nil))
	assert.False(t, IsRetriable(errors.New("plain")))
	assert.True(t, IsRetriable(&JobTimeout{JobID: "j1"}))
	assert.False(t, IsRetriable(&CapabilityMismatch{WorkerID: "w1", Required: "x@1"}))
}

func TestEnvelopeInvalidUnwrap(t *testing.T) {
	inner := errors.New("signature mismatch")
	err := &EnvelopeInvalid{Reason: ReasonBadSignature, Err: inner}

	require.ErrorIs(t, err, inner)

	var target *EnvelopeInvalid
	require.ErrorAs(t, err, &target)
	assert.Equal(t, ReasonBadSignature, target.Reason)
}

func TestStorageFailureRetriable(t *testing.T) {
	err := &StorageFailure{Op: "put_result", Err: errors.New("conn refused")}
	assert.True(t, err.Retriable())
	assert.Contains(t, err.Error(), "put_result")
}

func TestInternalInvariantNeverRetriable(t *testing.T) {
	err := &InternalInvariant{Detail: "two running jobs for request r1"}
	assert.False(t, err.Retriable())
	assert.False(t, IsRetriable(err))
}
