package scorer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/relayduel/internal/pkg/common"
	"github.com/vreid/relayduel/internal/pkg/room"
	scorer "github.com/vreid/relayduel/internal/pkg/scorer"
)

func newScorer(t *testing.T, source <-chan room.Outcome) *scorer.ScorerService {
	t.Helper()

	db, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Shutdown()
	})

	return &scorer.ScorerService{
		DatabaseService: db,
		OutcomeSource:   source,
	}
}

func TestCalculateExpectedScore(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.5, scorer.CalculateExpectedScore(1500.0, 1500.0))
}

func TestUpdateRatings(t *testing.T) {
	t.Parallel()

	winner := scorer.Scorecard{
		PublicKey: "a",
		Rating:    1500.0,
		Count:     100,
	}

	loser := scorer.Scorecard{
		PublicKey: "b",
		Rating:    1500.0,
		Count:     100,
	}

	updatedWinner, updatedLoser := scorer.UpdateRatings(winner, loser)

	assert.Equal(t, 1516.0, updatedWinner.Rating)
	assert.Equal(t, int64(101), updatedWinner.Count)
	assert.Equal(t, 1484.0, updatedLoser.Rating)
	assert.Equal(t, int64(101), updatedLoser.Count)
}

func TestHandleOutcome(t *testing.T) {
	t.Parallel()

	scorerService := newScorer(t, nil)

	require.NoError(t, scorerService.HandleOutcome(room.Outcome{
		Tag:     "relayduel-1",
		Round:   1,
		Players: []string{"alice", "bob"},
		Winner:  "alice",
	}))

	alice, err := scorerService.Rating("alice")
	require.NoError(t, err)
	assert.Equal(t, 1564.0, alice.Rating)
	assert.Equal(t, int64(1), alice.Count)

	bob, err := scorerService.Rating("bob")
	require.NoError(t, err)
	assert.Equal(t, 1436.0, bob.Rating)
	assert.Equal(t, int64(1), bob.Count)
}

func TestDrawsAreNotScored(t *testing.T) {
	t.Parallel()

	scorerService := newScorer(t, nil)

	for _, outcome := range []room.Outcome{
		{Players: []string{"alice", "bob"}},
		{Players: []string{"alice", "bob"}, Winner: "carol"},
	} {
		require.NoError(t, scorerService.HandleOutcome(outcome))
	}

	alice, err := scorerService.Rating("alice")
	require.NoError(t, err)
	assert.Equal(t, scorer.DefaultRating, alice.Rating)
	assert.Zero(t, alice.Count)
}

func TestStartConsumesOutcomes(t *testing.T) {
	t.Parallel()

	source := make(chan room.Outcome, 2)
	scorerService := newScorer(t, source)

	scorerService.Start()

	source <- room.Outcome{Players: []string{"alice", "bob"}, Winner: "bob"}
	source <- room.Outcome{Players: []string{"alice", "bob"}, Winner: "bob"}
	close(source)

	assert.Eventually(t, func() bool {
		bob, err := scorerService.Rating("bob")

		return err == nil && bob.Count == 2
	}, 2*time.Second, 10*time.Millisecond)
}
