package api

import (
	"fieldtrack/internal/auth"
	"fieldtrack/internal/config"
	"fieldtrack/internal/dispatch"
	"fieldtrack/internal/store"
)

type Server struct {
	Store  store.Store
	Pub    *dispatch.Publisher
	Auth   *auth.Verifier
	Broker EventBroker
	Cache  *LocationCache
	Limits *orgLimiters
	Cfg    config.Config
}

// NewServer creates a Server. With no DatabaseURL configured the in-memory
// store is used, which is what the tests and local dev run against.
func NewServer(cfg config.Config) (*Server, error) {
	var s store.Store
	if cfg.DatabaseURL == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}
	var broker EventBroker
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	return &Server{
		Store:  s,
		Pub:    dispatch.NewPublisher(s),
		Auth:   auth.NewVerifierFromEnv(),
		Broker: broker,
		Cache:  NewLocationCache(),
		Limits: newOrgLimiters(cfg.Ingest.RatePerSec, cfg.Ingest.Burst),
		Cfg:    cfg,
	}, nil
}

// NewDispatchWorker creates the background worker for command deliveries.
func (s *Server) NewDispatchWorker() *dispatch.Worker {
	return dispatch.NewWorker(s.Store, s.Cfg.Dispatch.PollSeconds, s.Cfg.Dispatch.MaxAttempts)
}
