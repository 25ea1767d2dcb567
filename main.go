package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/relayduel/internal/pkg/common"
	"github.com/vreid/relayduel/internal/pkg/devrelay"
	"github.com/vreid/relayduel/internal/pkg/identity"
	"github.com/vreid/relayduel/internal/pkg/observer"
	"github.com/vreid/relayduel/internal/pkg/persistence"
	"github.com/vreid/relayduel/internal/pkg/room"
	"github.com/vreid/relayduel/internal/pkg/scorer"
	"github.com/vreid/relayduel/internal/pkg/storage"
	"github.com/vreid/relayduel/internal/pkg/transport"
	"golang.org/x/sync/errgroup"

	"github.com/urfave/cli/v3"
)

const (
	shutdownTimeout    = 5 * time.Second
	defaultRelayListen = "127.0.0.1:7447"
)

var ErrMissingTag = errors.New("missing room tag")

type RelayDuelService struct {
	EchoService *common.EchoService `do:""`

	TransportService *transport.Service        `do:""`
	RoomService      *room.RoomService         `do:""`
	ScorerService    *scorer.ScorerService     `do:""`
	ObserverService  *observer.ObserverService `do:""`
}

type RelayService struct {
	EchoService *common.EchoService `do:""`

	DevRelayService *devrelay.RelayService `do:""`
}

func newInjector(cmd *cli.Command, listen string) *do.RootScope {
	i := do.New()

	logger := common.InitLogger("relayduel", cmd.String("log-level"))
	do.ProvideValue(i, logger)

	do.ProvideNamedValue(i, "listen", listen)
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))

	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewEchoService)

	namespace := cmd.String("namespace")
	do.Provide(i, func(i do.Injector) (storage.Storage, error) {
		backend, err := storage.NewBoltStorage(i)
		if err != nil {
			return nil, err
		}

		return storage.NewNamespaced(backend, namespace), nil
	})

	return i
}

func provideRoom(i do.Injector, cmd *cli.Command) {
	//nolint:exhaustruct
	do.ProvideValue(i, transport.Config{
		Relays: cmd.StringSlice("relay"),
		Retry: transport.RetryPolicy{
			MaxAttempts:  cmd.Int("retry-attempts"),
			InitialDelay: cmd.Duration("retry-initial-delay"),
			MaxDelay:     cmd.Duration("retry-max-delay"),
		},
		FetchTimeout: cmd.Duration("fetch-timeout"),
		ProxyURL:     cmd.String("proxy"),
	})

	//nolint:exhaustruct
	do.ProvideValue(i, room.Config{
		Game:              cmd.String("game"),
		HeartbeatInterval: cmd.Duration("heartbeat-interval"),
		HeartbeatTimeout:  cmd.Duration("heartbeat-timeout"),
		FetchTimeout:      cmd.Duration("fetch-timeout"),
		RematchTimeout:    cmd.Duration("rematch-timeout"),
	})

	outcomeChan := make(chan room.Outcome, 1000)
	var outcomeSource <-chan room.Outcome = outcomeChan
	var outcomeSink chan<- room.Outcome = outcomeChan

	do.ProvideNamedValue(i, "outcome-source", outcomeSource)
	do.ProvideNamedValue(i, "outcome-sink", outcomeSink)

	do.Provide(i, transport.NewTransportService)
	do.Provide(i, persistence.NewPersistenceBridge)
	do.Provide(i, room.NewRoomService)
	do.Provide(i, scorer.NewScorerService)
	do.Provide(i, observer.NewObserverService)

	do.Provide(i, do.InvokeStruct[RelayDuelService])
}

// serve runs the HTTP server until ctx ends, then runs cleanup and stops it.
func serve(ctx context.Context, echoService *common.EchoService, cleanup func(context.Context)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(echoService.Start)

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		cleanup(shutdownCtx)

		return echoService.Shutdown(shutdownCtx)
	})

	//nolint:wrapcheck
	return g.Wait()
}

func watch(r *room.RoomService, logger zerolog.Logger) {
	r.OnState(func(state room.RoomState) {
		logger.Info().Str("tag", state.Tag).Str("status", string(state.Status)).Int("round", state.Round).Msg("room state")
	})
	r.OnOpponentLost(func(lost room.OpponentLost) {
		logger.Warn().Str("opponent", lost.PublicKey).Str("reason", lost.Reason).Msg("opponent lost")
	})
	r.OnGameOver(func(outcome room.Outcome) {
		logger.Info().Str("winner", outcome.Winner).Str("reason", outcome.Reason).Msg("game over")
	})
	r.OnRematch(func(update room.RematchUpdate) {
		logger.Info().Str("type", string(update.Type)).Str("from", update.From).Msg("rematch")
	})
	r.OnError(func(err error) {
		logger.Error().Err(err).Msg("room error")
	})
}

func runRoom(ctx context.Context, cmd *cli.Command, enter func(context.Context, *room.RoomService) error) error {
	i := newInjector(cmd, cmd.String("listen"))
	defer func() {
		_ = i.Shutdown()
	}()

	provideRoom(i, cmd)

	service, err := do.Invoke[RelayDuelService](i)
	if err != nil {
		return fmt.Errorf("failed to create relayduel service: %w", err)
	}

	logger := do.MustInvoke[zerolog.Logger](i)

	service.ScorerService.Start()
	watch(service.RoomService, logger)

	err = enter(ctx, service.RoomService)
	if err != nil {
		service.RoomService.Close()
		service.TransportService.Disconnect()

		return err
	}

	return serve(ctx, service.EchoService, func(ctx context.Context) {
		err := service.RoomService.Leave(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to leave room")
		}

		service.RoomService.Close()
		service.TransportService.Disconnect()
	})
}

func runHost(ctx context.Context, cmd *cli.Command) error {
	return runRoom(ctx, cmd, func(ctx context.Context, r *room.RoomService) error {
		if cmd.Bool("resume") {
			//nolint:wrapcheck
			return r.Resume(ctx)
		}

		tag, err := r.Create(ctx)
		if err != nil {
			//nolint:wrapcheck
			return err
		}

		fmt.Println(tag) //nolint:forbidigo

		return nil
	})
}

func runJoin(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("resume") {
		return runRoom(ctx, cmd, func(ctx context.Context, r *room.RoomService) error {
			//nolint:wrapcheck
			return r.Resume(ctx)
		})
	}

	tag := cmd.Args().First()
	if tag == "" {
		return ErrMissingTag
	}

	return runRoom(ctx, cmd, func(ctx context.Context, r *room.RoomService) error {
		//nolint:wrapcheck
		return r.Join(ctx, tag)
	})
}

func runRelay(ctx context.Context, cmd *cli.Command) error {
	listen := cmd.String("listen")
	if !cmd.IsSet("listen") {
		listen = defaultRelayListen
	}

	i := newInjector(cmd, listen)
	defer func() {
		_ = i.Shutdown()
	}()

	do.Provide(i, devrelay.NewDevRelayService)
	do.Provide(i, do.InvokeStruct[RelayService])

	service, err := do.Invoke[RelayService](i)
	if err != nil {
		return fmt.Errorf("failed to create relay service: %w", err)
	}

	return serve(ctx, service.EchoService, func(context.Context) {})
}

func runWhoami(_ context.Context, cmd *cli.Command) error {
	i := newInjector(cmd, cmd.String("listen"))
	defer func() {
		_ = i.Shutdown()
	}()

	store, err := do.Invoke[storage.Storage](i)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	id, source, err := identity.Load(store, do.MustInvoke[zerolog.Logger](i))
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	fmt.Printf("%s\n%s\n(%s)\n", id.Npub(), id.PublicKey(), source) //nolint:forbidigo

	return nil
}

func roomFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "relay",
			Value:   []string{transport.DefaultRelay},
			Sources: cli.EnvVars("RELAYDUEL_RELAYS"),
		},
		&cli.StringFlag{
			Name:    "proxy",
			Sources: cli.EnvVars("RELAYDUEL_PROXY"),
		},
		&cli.StringFlag{
			Name:    "game",
			Value:   room.DefaultGame,
			Sources: cli.EnvVars("RELAYDUEL_GAME"),
		},
		&cli.IntFlag{
			Name:    "retry-attempts",
			Value:   transport.DefaultMaxAttempts,
			Sources: cli.EnvVars("RELAYDUEL_RETRY_ATTEMPTS"),
		},
		&cli.DurationFlag{
			Name:    "retry-initial-delay",
			Value:   transport.DefaultInitialDelay,
			Sources: cli.EnvVars("RELAYDUEL_RETRY_INITIAL_DELAY"),
		},
		&cli.DurationFlag{
			Name:    "retry-max-delay",
			Value:   transport.DefaultMaxDelay,
			Sources: cli.EnvVars("RELAYDUEL_RETRY_MAX_DELAY"),
		},
		&cli.DurationFlag{
			Name:    "heartbeat-interval",
			Value:   room.DefaultHeartbeatInterval,
			Sources: cli.EnvVars("RELAYDUEL_HEARTBEAT_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "heartbeat-timeout",
			Value:   room.DefaultHeartbeatTimeout,
			Sources: cli.EnvVars("RELAYDUEL_HEARTBEAT_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "fetch-timeout",
			Value:   room.DefaultFetchTimeout,
			Sources: cli.EnvVars("RELAYDUEL_FETCH_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "rematch-timeout",
			Value:   room.DefaultRematchTimeout,
			Sources: cli.EnvVars("RELAYDUEL_REMATCH_TIMEOUT"),
		},
		&cli.BoolFlag{
			Name:    "resume",
			Usage:   "re-enter the room stored from the last session",
			Sources: cli.EnvVars("RELAYDUEL_RESUME"),
		},
	}
}

func main() {
	//nolint:exhaustruct
	cmd := &cli.Command{
		Name:  "relayduel",
		Usage: "two-player battle rooms over nostr relays",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("RELAYDUEL_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "./relayduel/data",
				Sources: cli.EnvVars("RELAYDUEL_DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "namespace",
				Value:   storage.DefaultNamespace,
				Sources: cli.EnvVars("RELAYDUEL_NAMESPACE"),
			},
			&cli.StringFlag{
				Name:    "listen",
				Value:   "127.0.0.1:3000",
				Sources: cli.EnvVars("RELAYDUEL_LISTEN"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "relay",
				Usage:  "run a local development relay",
				Action: runRelay,
			},
			{
				Name:   "host",
				Usage:  "create a room and wait for a challenger",
				Flags:  roomFlags(),
				Action: runHost,
			},
			{
				Name:      "join",
				Usage:     "join a room by its tag",
				ArgsUsage: "<tag>",
				Flags:     roomFlags(),
				Action:    runJoin,
			},
			{
				Name:   "whoami",
				Usage:  "print the stored identity",
				Action: runWhoami,
			},
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
