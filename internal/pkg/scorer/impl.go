package scorer

import (
	"fmt"
	"math"
	"slices"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/common"
	"github.com/vreid/relayduel/internal/pkg/room"
	"go.etcd.io/bbolt"
)

const DefaultRating = 1500.0

// Scorecard is the Elo standing of one player, keyed by public key.
type Scorecard struct {
	PublicKey string  `json:"pubkey"`
	Rating    float64 `json:"rating"`
	Count     int64   `json:"count"`
}

type ScorerService struct {
	DatabaseService *common.DatabaseService

	OutcomeSource <-chan room.Outcome

	logger zerolog.Logger
}

func NewScorerService(i do.Injector) (*ScorerService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	outcomeSource := do.MustInvokeNamed[<-chan room.Outcome](i, "outcome-source")
	logger := do.MustInvoke[zerolog.Logger](i)

	result := &ScorerService{
		DatabaseService: databaseService,

		OutcomeSource: outcomeSource,

		logger: logger.With().Str("component", "scorer").Logger(),
	}

	return result, nil
}

func (s *ScorerService) Start() {
	go s.processOutcomes()
}

func GetKFactor(gamesPlayed int64) float64 {
	if gamesPlayed <= 20 {
		return 128.0
	}

	if gamesPlayed <= 50 {
		return 64.0
	}

	return 32.0
}

func CalculateExpectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}

func UpdateRatings(winner, loser Scorecard) (Scorecard, Scorecard) {
	expectedWinner := CalculateExpectedScore(winner.Rating, loser.Rating)

	k := (GetKFactor(winner.Count) + GetKFactor(loser.Count)) / 2.0

	winner.Rating += k * (1.0 - expectedWinner)
	winner.Count++

	loser.Rating -= k * (1.0 - expectedWinner)
	loser.Count++

	return winner, loser
}

func load(ratings, count *bbolt.Bucket, pubkey string) Scorecard {
	return Scorecard{
		PublicKey: pubkey,
		Rating:    common.GetNumber(ratings, pubkey, DefaultRating),
		Count:     common.GetNumber(count, pubkey, int64(0)),
	}
}

func store(ratings, count *bbolt.Bucket, card Scorecard) error {
	err := common.PutNumber(ratings, card.PublicKey, card.Rating)
	if err != nil {
		return fmt.Errorf("failed to store rating: %w", err)
	}

	err = common.PutNumber(count, card.PublicKey, card.Count)
	if err != nil {
		return fmt.Errorf("failed to store count: %w", err)
	}

	return nil
}

func buckets(tx *bbolt.Tx) (*bbolt.Bucket, *bbolt.Bucket, error) {
	ratings, err := common.Bucket(tx, common.ScorerRatingsBucket)
	if err != nil {
		return nil, nil, err
	}

	count, err := common.Bucket(tx, common.ScorerCountBucket)
	if err != nil {
		return nil, nil, err
	}

	return ratings, count, nil
}

// HandleOutcome scores the winner against every other player of the round.
// Rounds without a winner among the players are draws and left unscored.
func (s *ScorerService) HandleOutcome(outcome room.Outcome) error {
	if outcome.Winner == "" || !slices.Contains(outcome.Players, outcome.Winner) {
		return nil
	}

	//nolint:wrapcheck
	return s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		ratings, count, err := buckets(tx)
		if err != nil {
			return err
		}

		for _, player := range outcome.Players {
			if player == outcome.Winner {
				continue
			}

			winner, loser := UpdateRatings(
				load(ratings, count, outcome.Winner),
				load(ratings, count, player),
			)

			err = store(ratings, count, winner)
			if err != nil {
				return err
			}

			err = store(ratings, count, loser)
			if err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *ScorerService) Rating(pubkey string) (Scorecard, error) {
	var card Scorecard

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		ratings, count, err := buckets(tx)
		if err != nil {
			return err
		}

		card = load(ratings, count, pubkey)

		return nil
	})
	if err != nil {
		return Scorecard{}, fmt.Errorf("failed to read rating of %s: %w", pubkey, err)
	}

	return card, nil
}

func (s *ScorerService) processOutcomes() {
	for outcome := range s.OutcomeSource {
		err := s.HandleOutcome(outcome)
		if err != nil {
			s.logger.Error().Err(err).Str("tag", outcome.Tag).Int("round", outcome.Round).Msg("failed to score outcome")
		}
	}
}
