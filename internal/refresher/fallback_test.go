package refresher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFallbackScoreDeterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5.0, FallbackScore("pikachu"))
	require.Equal(t, FallbackScore("pikachu"), FallbackScore("pikachu"))
	require.NotEqual(t, FallbackScore("pikachu"), FallbackScore("eevee"))
}

func TestFallbackScoreBounds(t *testing.T) {
	t.Parallel()

	subjects := []string{"", "a", "pikachu", "mr-mime", "porygon-z", "nidoran-f"}
	for _, s := range subjects {
		score := FallbackScore(s)
		require.GreaterOrEqual(t, score, 5.0, "subject %q", s)
		require.LessOrEqual(t, score, 40.0, "subject %q", s)
	}
}
