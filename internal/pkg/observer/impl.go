package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/common"
	"github.com/vreid/relayduel/internal/pkg/room"
	"github.com/vreid/relayduel/internal/pkg/scorer"
	"github.com/vreid/relayduel/internal/pkg/transport"
)

const maxBodySize = 1 << 20

// Room is the part of the room service exposed over HTTP.
type Room interface {
	State() room.RoomState
	Create(ctx context.Context) (string, error)
	Join(ctx context.Context, tag string) error
	Start(ctx context.Context) error
	UpdateState(ctx context.Context, payload json.RawMessage) error
	SendAction(ctx context.Context, action string, payload json.RawMessage) error
	GameOver(ctx context.Context, result room.GameResult) error
	ProposeRematch(ctx context.Context) error
	AcceptRematch(ctx context.Context) error
	DeclineRematch(ctx context.Context) error
	Leave(ctx context.Context) error
	Reset(ctx context.Context) error
}

type Ratings interface {
	Rating(pubkey string) (scorer.Scorecard, error)
}

type ObserverService struct {
	Room    Room
	Ratings Ratings
}

type ActionRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CreateResponse struct {
	Tag string `json:"tag"`
}

func NewObserverService(i do.Injector) (*ObserverService, error) {
	roomService := do.MustInvoke[*room.RoomService](i)
	scorerService := do.MustInvoke[*scorer.ScorerService](i)

	result := &ObserverService{
		Room:    roomService,
		Ratings: scorerService,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Register)

	return result, nil
}

func (s *ObserverService) Register(e *echo.Echo) {
	apiGroup := e.Group("/api")

	roomGroup := apiGroup.Group("/room")

	roomGroup.GET("/state", s.GetState)
	roomGroup.POST("/create", s.PostCreate)
	roomGroup.POST("/join/:tag", s.PostJoin)
	roomGroup.POST("/start", s.simple(Room.Start))
	roomGroup.POST("/state", s.PostState)
	roomGroup.POST("/action", s.PostAction)
	roomGroup.POST("/game-over", s.PostGameOver)
	roomGroup.POST("/rematch/propose", s.simple(Room.ProposeRematch))
	roomGroup.POST("/rematch/accept", s.simple(Room.AcceptRematch))
	roomGroup.POST("/rematch/decline", s.simple(Room.DeclineRematch))
	roomGroup.POST("/leave", s.simple(Room.Leave))
	roomGroup.POST("/reset", s.simple(Room.Reset))
	roomGroup.GET("/rating/:pubkey", s.GetRating)
}

// httpError maps room and transport failures onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, room.ErrRoomFull),
		errors.Is(err, room.ErrInvalidTransition),
		errors.Is(err, room.ErrNoRematch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrPublishFailed),
		errors.Is(err, transport.ErrNoRelayResponse):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (s *ObserverService) state(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, s.Room.State(), "  ")
}

func (s *ObserverService) simple(op func(Room, context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := op(s.Room, c.Request().Context())
		if err != nil {
			return httpError(err)
		}

		return s.state(c)
	}
}

func (s *ObserverService) GetState(c echo.Context) error {
	return s.state(c)
}

func (s *ObserverService) PostCreate(c echo.Context) error {
	tag, err := s.Room.Create(c.Request().Context())
	if err != nil {
		return httpError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusCreated, CreateResponse{Tag: tag}, "  ")
}

func (s *ObserverService) PostJoin(c echo.Context) error {
	err := s.Room.Join(c.Request().Context(), c.Param("tag"))
	if err != nil {
		return httpError(err)
	}

	return s.state(c)
}

func (s *ObserverService) PostState(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil || !json.Valid(raw) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Room.UpdateState(c.Request().Context(), raw)
	if err != nil {
		return httpError(err)
	}

	return s.state(c)
}

func (s *ObserverService) PostAction(c echo.Context) error {
	var request ActionRequest

	err := c.Bind(&request)
	if err != nil || request.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Room.SendAction(c.Request().Context(), request.Action, request.Payload)
	if err != nil {
		return httpError(err)
	}

	return c.NoContent(http.StatusAccepted) //nolint:wrapcheck
}

func (s *ObserverService) PostGameOver(c echo.Context) error {
	var result room.GameResult

	err := c.Bind(&result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Room.GameOver(c.Request().Context(), result)
	if err != nil {
		return httpError(err)
	}

	return s.state(c)
}

func (s *ObserverService) GetRating(c echo.Context) error {
	card, err := s.Ratings.Rating(c.Param("pubkey"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read rating")
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, card, "  ")
}
