package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/config"
	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/handlers"
	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/redis"
	"github.com/mossy-p/roomserver/internal/rtc"
	"github.com/mossy-p/roomserver/internal/signaling"
	"github.com/mossy-p/roomserver/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

type server struct {
	logger     *zap.SugaredLogger
	engine     *media.LocalEngine
	rooms      *rtc.RoomRegistry
	peers      *rtc.PeerRegistry
	supervisor *signaling.Supervisor
	notifier   *webhook.Notifier
	redis      *goredis.Client
	httpServer *http.Server

	stopOnce sync.Once
}

func newServer(conf *config.Config, log *zap.SugaredLogger) (*server, error) {
	s := &server{logger: log}

	engine, err := media.NewLocalEngine(media.LocalEngineParams{
		AnnouncedIP: conf.Media.AnnouncedIP,
		PortMin:     conf.Media.PortMin,
		PortMax:     conf.Media.PortMax,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not start media engine")
	}
	s.engine = engine

	tokens := auth.NewService(conf.JWTSecret)
	s.notifier = webhook.NewNotifier(webhook.NotifierParams{
		Secret:  conf.WebHook.Secret,
		Workers: conf.WebHook.Workers,
		Timeout: conf.WebHook.Timeout,
		Logger:  log.Named("webhook"),
	})

	roomParams := rtc.RoomRegistryParams{
		Tokens: tokens,
		Defaults: models.RoomConfig{
			MaxPeers:                  conf.Room.MaxPeers,
			TimeOutNoParticipantsSecs: conf.Room.TimeOutNoParticipantsSecs,
			MaxDurationSecs:           conf.Room.MaxDurationSecs,
		},
		Observer: s.notifier,
		Logger:   log.Named("rooms"),
	}
	var directory handlers.RoomDirectory
	if conf.Redis.Enabled {
		rc, err := redis.Connect(conf.Redis)
		if err != nil {
			engine.Close()
			return nil, err
		}
		log.Infow("redis connection established", "host", conf.Redis.Host, "port", conf.Redis.Port)
		s.redis = rc
		store := redis.NewRoomStore(rc, redis.DefaultRoomTTL)
		roomParams.Store = store
		directory = store
	}

	s.rooms = rtc.NewRoomRegistry(roomParams)
	s.peers = rtc.NewPeerRegistry(engine, s.rooms, log.Named("peers"))
	s.supervisor = signaling.NewSupervisor(s.peers, log.Named("supervisor"))
	s.rooms.SetEventSink(s.supervisor)

	dispatcher := signaling.NewDispatcher(signaling.DispatcherParams{
		Tokens:         tokens,
		Rooms:          s.rooms,
		Peers:          s.peers,
		Supervisor:     s.supervisor,
		Engine:         engine,
		RequestTimeout: conf.Signal.RequestTimeout,
		Logger:         log.Named("signal"),
	})

	if conf.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterParams{
		Tokens:         tokens,
		APIKey:         conf.APIKey,
		AllowedOrigins: conf.AllowedOrigins,
		Rooms: handlers.NewRoomAPI(handlers.RoomAPIParams{
			Tokens:     tokens,
			Rooms:      s.rooms,
			Peers:      s.peers,
			Supervisor: s.supervisor,
			Directory:  directory,
			Logger:     log.Named("api"),
		}),
		Signal: handlers.NewSignalHandler(handlers.SignalParams{
			Dispatcher: dispatcher,
			Supervisor: s.supervisor,
			Config:     conf.Signal,
			Logger:     log.Named("ws"),
		}),
		Logger: log.Named("http"),
	})

	s.httpServer = &http.Server{
		Addr:    ":" + conf.Port,
		Handler: router,
	}
	return s, nil
}

// Start serves until Stop is called.
func (s *server) Start() error {
	s.logger.Infow("starting room server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *server) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("http shutdown incomplete", "error", err)
		}

		s.supervisor.Shutdown()
		s.peers.Shutdown()
		s.rooms.Shutdown()
		s.notifier.Stop()
		s.engine.Close()
		if s.redis != nil {
			_ = s.redis.Close()
		}
		s.logger.Infow("room server stopped")
	})
}
