package autoerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("socket closed")
	err := Exec(CodeExecUploadFailed, "upload step failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), CodeExecUploadFailed)

	wrapped := fmt.Errorf("item 3: %w", err)
	var ae *Error
	assert.True(t, errors.As(wrapped, &ae))
	assert.Equal(t, StageExecution, ae.Stage)
}

func TestIsMatchesOnCode(t *testing.T) {
	a := Security(CodeSecurityDomainEscape, "left allowlist")
	b := Security(CodeSecurityDomainEscape, "different message")
	assert.True(t, errors.Is(a, b))

	c := Exec(CodeExecGridNotReached, "no grid")
	assert.False(t, errors.Is(a, c))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Proposal(CodeProposalInvalid, "bad body"), http.StatusBadRequest},
		{Pre(CodePreGateRejected, "no header"), http.StatusUnprocessableEntity},
		{Exec(CodeExecDHXBlocker, "modal stuck"), http.StatusUnprocessableEntity},
		{Policy(CodePolicyRejected, "not auto upload"), http.StatusUnprocessableEntity},
		{External(CodeExternalCaptcha, "captcha"), http.StatusUnprocessableEntity},
		{Evidence(CodeEvidenceWriteFailed, "disk"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "for %v", tt.err)
	}
}

func TestDefaultsNotRetryable(t *testing.T) {
	err := Exec(CodeExecUploadFailed, "x")
	assert.False(t, err.Retryable)
	assert.True(t, err.MarkRetryable().Retryable)
}

func TestAsErrorAlwaysYieldsCode(t *testing.T) {
	ae := AsError(errors.New("boom"))
	assert.NotEmpty(t, ae.Code)
	assert.Equal(t, SchemaVersion, ae.SchemaVersion)
}
