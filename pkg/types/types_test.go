package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		input   string
		want    Target
		wantErr bool
	}{
		{input: "x86_64-linux", want: TargetLinux},
		{input: "x86_64-linux-kernel2", want: TargetLinuxKernel2},
		{input: "x86_64-windows", want: TargetWindows},
		{input: "aarch64-linux", want: TargetAarch64Linux},
		{input: "riscv64-linux", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTarget(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGroupStateTerminal(t *testing.T) {
	terminal := []GroupState{GroupStateComplete, GroupStateFailed, GroupStateCanceled}
	live := []GroupState{GroupStateQueued, GroupStatePending, GroupStateDispatching}

	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s", s)
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}

func TestEntryStateTerminal(t *testing.T) {
	terminal := []EntryState{
		EntryStateComplete,
		EntryStateJobFailed,
		EntryStateDependencyFailed,
		EntryStateCancelComplete,
	}
	live := []EntryState{
		EntryStatePending,
		EntryStateWaitingOnDep,
		EntryStateReady,
		EntryStateRunning,
		EntryStateCancelPending,
	}

	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s", s)
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}

func TestJobStateTerminal(t *testing.T) {
	assert.True(t, JobStateComplete.Terminal())
	assert.True(t, JobStateFailed.Terminal())
	assert.True(t, JobStateCancelComplete.Terminal())
	assert.False(t, JobStatePending.Terminal())
	assert.False(t, JobStateDispatched.Terminal())
	assert.False(t, JobStateCancelPending.Terminal())
}
