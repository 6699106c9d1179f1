package payment

import (
	"testing"

	xerrors "duka-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestApplyResult_Err(t *testing.T) {
	tests := []struct {
		outcome ApplyOutcome
		want    error
	}{
		{OutcomeApplied, nil},
		{OutcomeDuplicate, xerrors.ErrDuplicateEvent},
		{OutcomeUnmatched, xerrors.ErrUnmatchedReference},
		{OutcomeBlocked, nil},
		{OutcomeRejected, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			err := (&ApplyResult{ExternalID: "MPESA-AAA111", Outcome: tt.outcome}).Err()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "MPESA-AAA111")
		})
	}
}
