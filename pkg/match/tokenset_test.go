package match

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenSetRatioIdentity(t *testing.T) {
	require.Equal(t, 100, TokenSetRatio("vladimir putin", "vladimir putin"))
	require.Equal(t, 100, TokenSetRatio("vladimir putin", "putin vladimir"), "token order must not matter")
	require.Equal(t, 100, TokenSetRatio("putin", "vladimir putin"), "token subset scores 100")
	require.Equal(t, 100, TokenSetRatio("putin putin", "putin"), "duplicate tokens collapse")
}

func TestTokenSetRatioPartial(t *testing.T) {
	require.Equal(t, 75, TokenSetRatio("jane doe", "john doe"))

	score := TokenSetRatio("vladimir putin", "vladimir putnik")
	require.Greater(t, score, 60)
	require.Less(t, score, 100)
}

func TestTokenSetRatioDisjoint(t *testing.T) {
	score := TokenSetRatio("abu hamza", "jane smith")
	require.Less(t, score, 50)
}

func TestTokenSetRatioEmpty(t *testing.T) {
	require.Equal(t, 0, TokenSetRatio("", "putin"))
	require.Equal(t, 0, TokenSetRatio("putin", ""))
	require.Equal(t, 100, TokenSetRatio("", ""))
}

func TestTokenSetRatioSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"vladimir putin", "putin vladimirovich"},
		{"acme trading", "acme global trading"},
		{"a b c", "c b"},
	}
	for _, p := range pairs {
		require.Equal(t, TokenSetRatio(p[0], p[1]), TokenSetRatio(p[1], p[0]), "pair %v", p)
	}
}
