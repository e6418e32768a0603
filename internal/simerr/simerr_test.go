package simerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKindThroughWrapping(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	base := New(KindStepTimeout, "physics", "wait", errors.New("deadline"))
	wrapped := fmt.Errorf("tick 3: %w", base)

	// --- Assert ---
	require.ErrorIs(t, wrapped, ErrStepTimeout)
	require.NotErrorIs(t, wrapped, ErrTransport)
	require.Equal(t, KindStepTimeout, KindOf(wrapped))
	require.Equal(t, `engine "physics": step timeout during wait: deadline`, base.Error())
}

func TestKindOf_Unclassified(t *testing.T) {
	t.Parallel()
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, "kind(99)", Kind(99).String())
}
