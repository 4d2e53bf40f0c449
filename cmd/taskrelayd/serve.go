package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gomodule/redigo/redis"
	"github.com/spf13/cobra"

	"github.com/taskrelay/taskrelay/server/authz"
	"github.com/taskrelay/taskrelay/server/config"
	"github.com/taskrelay/taskrelay/server/datastore/mysql"
	"github.com/taskrelay/taskrelay/server/errorstore"
	"github.com/taskrelay/taskrelay/server/identity"
	"github.com/taskrelay/taskrelay/server/lock"
	"github.com/taskrelay/taskrelay/server/scheduler"
	"github.com/taskrelay/taskrelay/server/service"
)

func initLogger(cfg config.Config) log.Logger {
	var logger log.Logger
	if cfg.Logging.JSON {
		logger = log.NewJSONLogger(os.Stdout)
	} else {
		logger = log.NewLogfmtLogger(os.Stdout)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if cfg.Logging.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return logger
}

func newRedisPool(cfg config.RedisConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     cfg.MaxIdleConns,
		MaxActive:   cfg.MaxOpenConns,
		IdleTimeout: cfg.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(cfg.ConnectTimeout),
				redis.DialDatabase(cfg.Database),
			}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			if cfg.UseTLS {
				opts = append(opts, redis.DialUseTLS(true))
			}
			return redis.Dial("tcp", cfg.Address, opts...)
		},
	}
}

// newLocker builds the distributed locker named by cfg.Locker, sharing the
// already-open connection pool rather than opening a second one. An empty
// Locker config falls back to the in-process single-coordinator locker
// (lock.Always, installed by scheduler.New when passed nil).
func newLocker(cfg config.SchedulerConfig, ds *mysql.Datastore, redisPool *redis.Pool) lock.Locker {
	switch cfg.Locker {
	case "mysql":
		return lock.NewMySQLLocker(ds.DB())
	case "redis":
		return lock.NewRedisLocker(redisPool)
	default:
		return nil
	}
}

// newGate installs the default allow rules: callers whose id starts with
// "admin:" may call the admin- and manager-tagged methods; any caller may
// call the worker-tagged surface (getWork and the run-scoped report-in
// methods) and the creator-tagged methods.
// Deployments with real multi-tenant authorization needs are expected to
// replace this with their own Gate built from authz.Identities/Predicate.
func newGate() *authz.Gate {
	gate := authz.NewGate()
	anyCaller := authz.Predicate(func(callerID, method string, params any) bool { return true })

	// Admin/manager access is checked through a cached predicate since a
	// real deployment's lookup (an external identity provider, a roles
	// table) is too slow to run on every dispatch; the default "caller id
	// starts with admin:" check just stands in for that lookup.
	isPrivileged := authz.CachedPredicate(30*time.Second, func(callerID string) bool {
		return strings.HasPrefix(callerID, "admin:")
	})
	gate.Allow(authz.TagAdmin, authz.Predicate(isPrivileged))
	gate.Allow(authz.TagManager, authz.Predicate(isPrivileged))

	gate.Allow(authz.TagWorker, anyCaller)
	gate.Allow(authz.TagCreator, anyCaller)
	return gate
}

func createServeCmd(configManager config.Manager, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Launch the taskrelayd RPC server",
		Long: `
Launch the taskrelayd RPC server.

taskrelayd serve runs the promotion/retention/dispatch loops for each
configured collection and exposes the JSON-over-HTTP RPC surface described
in the method table.
`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := configManager.LoadConfig(*configFile)
			if err != nil {
				initFatal(err, "loading config")
			}

			logger := initLogger(cfg)

			ds, err := mysql.New(cfg.Mysql.DSN())
			if err != nil {
				initFatal(err, "connecting to mysql")
			}
			defer ds.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := ds.Migrate(ctx); err != nil {
				initFatal(err, "running migrations")
			}

			redisPool := newRedisPool(cfg.Redis)
			defer redisPool.Close()

			errHandler := errorstore.NewHandler(ctx, redisPool, logger, 7*24*time.Hour)

			locker := newLocker(cfg.Scheduler, ds, redisPool)

			jobs := scheduler.New(ds, locker, scheduler.Config{
				Name:              "jobs",
				PromotionInterval: cfg.Scheduler.PromotionInterval,
				LockExpiration:    cfg.Scheduler.LockExpiration,
				Retention: scheduler.RetentionConfig{
					Enabled: cfg.Scheduler.RetentionEnabled,
					MaxAge:  cfg.Scheduler.RetentionMaxAge,
					Remove:  cfg.Scheduler.RetentionRemove,
				},
				CancelRepeatsAcrossData: cfg.Scheduler.CancelRepeatsAcrossData,
				Logger:                  logger,
			})

			if err := jobs.RecoverRunning(ctx); err != nil {
				initFatal(err, "recovering orphaned running jobs")
			}

			if _, err := jobs.StartJobs(ctx); err != nil {
				initFatal(err, "starting scheduler loops")
			}
			defer jobs.StopJobs(context.Background(), 30*time.Second)

			registry := service.NewRegistry()
			service.RegisterCollection(registry, jobs)

			gate := newGate()
			dispatcher := service.New(registry, gate, logger)

			signer := identity.NewSigner(cfg.Auth.TokenSecret)
			router := service.NewRouter(dispatcher, signer, errHandler)

			srv := &http.Server{
				Addr:         cfg.Server.Address,
				Handler:      router,
				ReadTimeout:  25 * time.Second,
				WriteTimeout: 25 * time.Second,
			}
			if !cfg.Server.Keepalive {
				srv.SetKeepAlivesEnabled(false)
			}

			errCh := make(chan error, 1)
			go func() {
				level.Info(logger).Log("msg", "listening", "addr", cfg.Server.Address)
				if cfg.Server.TLS {
					errCh <- srv.ListenAndServeTLS(cfg.Server.Cert, cfg.Server.Key)
				} else {
					errCh <- srv.ListenAndServe()
				}
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					level.Error(logger).Log("msg", "server error", "err", err)
				}
			case s := <-sig:
				level.Info(logger).Log("msg", "shutting down", "signal", s.String())
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					level.Error(logger).Log("msg", "graceful shutdown failed", "err", err)
				}
			}
		},
	}
}
