package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validationf("bad quantity %q", "2x"), KindValidation},
		{"not found", NotFoundf("job %s not found", "j1"), KindNotFound},
		{"conflict", Conflictf("pool name %s already exists", "default"), KindConflict},
		{"business rule", BusinessRulef("invalid transition"), KindBusinessRule},
		{"insufficient", InsufficientResourcesf("no pool admits request"), KindInsufficientResources},
		{"timeout", Timeoutf("worker wait expired"), KindTimeout},
		{"protocol", ProtocolViolationf("first message must be register"), KindProtocolViolation},
		{"worker lost", WorkerLostf("heartbeat lapsed"), KindWorkerLost},
		{"worker disconnected", WorkerDisconnectedf("stream torn"), KindWorkerDisconnected},
		{"operation failed", OperationFailed(New("disk full"), "save job"), KindOperationFailed},
		{"unknown", New("plain"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := NotFoundf("execution %s not found", "e1")
	wrapped := Wrapf(Wrap(err, "cancel"), "api request %s", "r1")

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"insufficient resources retries", InsufficientResourcesf("pool full"), true},
		{"timeout retries", Timeoutf("no worker in 120s"), true},
		{"worker lost retries", WorkerLostf("gone"), true},
		{"worker disconnected retries", WorkerDisconnectedf("torn"), true},
		{"validation never retries", Validationf("bad name"), false},
		{"protocol violation never retries", ProtocolViolationf("bad frame"), false},
		{"conflict never retries", Conflictf("dup"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	err := WorkerLostf("worker %s heartbeat lapsed", "w1")
	assert.Equal(t, CodeWorkerLost, CodeOf(err))

	wrapped := Wrap(err, "fail execution")
	assert.Equal(t, CodeWorkerLost, CodeOf(wrapped))

	assert.Equal(t, "", CodeOf(New("uncoded")))

	recoded := WithCode(Timeoutf("no worker registered"), CodeNoWorker)
	assert.Equal(t, CodeNoWorker, CodeOf(recoded))
	assert.Equal(t, KindTimeout, KindOf(recoded))
}

func TestWithKind(t *testing.T) {
	base := New("capacity below current allocation")
	err := WithKind(base, KindConflict)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Nil(t, WithKind(nil, KindConflict))
}
