package screening

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveTransition(t *testing.T) {
	cases := []struct {
		prev, next string
		want       Transition
	}{
		{"", "Fail Sanction", TransitionNewResult},
		{"", "Cleared", TransitionNewResult},
		{"Cleared", "Cleared", TransitionUnchanged},
		{"Fail Sanction", "Fail Sanction", TransitionUnchanged},
		{"Cleared", "Fail Sanction", TransitionClearedToFail},
		{"Cleared - False Positive", "Fail Sanction", TransitionClearedToFail},
		{"Fail Sanction", "Cleared", TransitionFailToCleared},
		{"Fail PEP", "Cleared - False Positive", TransitionFailToCleared},
		{"Fail Sanction", "Fail Sanction & PEP", TransitionChanged},
		{"Fail PEP", "Fail Sanction", TransitionChanged},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, DeriveTransition(tc.prev, tc.next),
			"prev=%q next=%q", tc.prev, tc.next)
	}
}

func TestIsValidReasonForCheck(t *testing.T) {
	require.True(t, IsValidReasonForCheck(""))
	require.True(t, IsValidReasonForCheck("Client Onboarding"))
	require.True(t, IsValidReasonForCheck("Periodic Re-Screen"))
	require.False(t, IsValidReasonForCheck("Curiosity"))
}
