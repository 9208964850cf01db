package infrastructure

import (
	"context"

	"paymentvault/internal/config"
	"paymentvault/internal/downstream"
	"paymentvault/internal/repository"
	"paymentvault/internal/service"
	transportHTTP "paymentvault/internal/transport/http"
	transportNATS "paymentvault/internal/transport/nats"
	"paymentvault/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	executor := downstream.NewExecutionClient(cfg.DisburseURL, cfg.ServiceKey)
	retrier := downstream.NewRetryClient(cfg.RetryURL, cfg.ServiceKey)

	var bus repository.MessageBus
	var servers []Server

	if cfg.BusEnabled() {
		nc, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		bus = transportNATS.NewBus(nc)
		cleanupFns = append(cleanupFns, nc.Close)

		repo := repository.NewDisbursementRepo(rdb, db, bus, executor, retrier)
		var svc service.DisbursementService = repo

		if cfg.WalletWorkerEnabled() {
			servers = append(servers, worker.NewWalletWorker(svc, nc))
		}
		servers = append(servers, transportNATS.NewHandler(svc, nc))
		servers = append(servers, transportHTTP.NewServer(cfg.ApiAddr(), svc, cfg.CronSecret))
	} else {
		// Without the bus, settlements are recorded but wallet debits must be
		// reconciled by an out-of-band process.
		repo := repository.NewDisbursementRepo(rdb, db, nil, executor, retrier)
		var svc service.DisbursementService = repo
		servers = append(servers, transportHTTP.NewServer(cfg.ApiAddr(), svc, cfg.CronSecret))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
