package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"refeed/internal/domain"
	"refeed/internal/errs"
)

func TestEnsureMissionTransition(t *testing.T) {
	all := []string{
		domain.MissionPending, domain.MissionAccepted, domain.MissionInProgress,
		domain.MissionCompleted, domain.MissionCancelled, domain.MissionFailed,
	}
	allowed := map[string][]string{
		domain.MissionPending:    {domain.MissionAccepted, domain.MissionInProgress, domain.MissionCancelled, domain.MissionFailed},
		domain.MissionAccepted:   {domain.MissionInProgress, domain.MissionCancelled, domain.MissionFailed},
		domain.MissionInProgress: {domain.MissionCompleted, domain.MissionCancelled, domain.MissionFailed},
	}
	for _, from := range all {
		for _, to := range all {
			err := ensureMissionTransition(from, to)
			if contains(allowed[from], to) {
				require.NoError(t, err, "%s -> %s", from, to)
			} else {
				require.ErrorIs(t, err, errs.ErrInvalidState, "%s -> %s", from, to)
			}
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func TestConversationIDIsSymmetric(t *testing.T) {
	require.Equal(t, ConversationID("a", "b"), ConversationID("b", "a"))
	require.NotEqual(t, ConversationID("a", "b"), ConversationID("a", "c"))
}
