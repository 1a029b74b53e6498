package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"minivisa/clearing"
	"minivisa/configs"
	"minivisa/metrics"
	"minivisa/pipeline"
	"minivisa/pool"
	"minivisa/reversal"
	"minivisa/risk"
	"minivisa/server"
	"minivisa/storage"
	"minivisa/twopc"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
	if configs.ShowDebugInfo {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := configs.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}

	mtr := metrics.New()

	// The database must answer at launch; everything downstream
	// assumes a reachable store.
	ctx := context.Background()
	gw, err := storage.Connect(ctx, cfg.DBURI)
	if err != nil {
		log.WithError(err).Fatal("database unreachable")
	}
	defer gw.Close()
	if err := gw.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("schema setup failed")
	}

	if err := os.MkdirAll(cfg.TxnLogDir, 0755); err != nil {
		log.WithError(err).Fatal("transaction log dir")
	}
	logs, err := twopc.OpenStateLog(cfg.TxnLogDir)
	if err != nil {
		log.WithError(err).Fatal("transaction log open failed")
	}
	defer logs.Close()
	if doubt, err := logs.InDoubt(); err == nil && len(doubt) > 0 {
		log.WithField("txn_ids", doubt).
			Warn("in-doubt transactions from previous run, check pg_prepared_xacts")
	}

	coord := twopc.NewCoordinator(logs, mtr)
	rk := risk.NewEngine(cfg)

	var clrFactory pipeline.ClearingFactory
	var rev *reversal.Queue
	if cfg.ClearingURL != "" {
		clr := clearing.NewClient(cfg, mtr)
		clrFactory = pipeline.ClearingFactoryFunc(func() pipeline.ClearingParticipant {
			return clr.NewParticipant()
		})
		rev = reversal.NewQueue(clr, cfg, mtr)
		rev.Start()
		defer rev.Shutdown()
	} else {
		log.Warn("CLEARING_URL not set, authorizations will decline at setup")
		rev = reversal.NewQueue(noopVoider{}, cfg, mtr)
		rev.Start()
		defer rev.Shutdown()
	}

	pipe := pipeline.New(mtr, rk, coord, gw, clrFactory, rev)
	jobs := pool.New(cfg.Workers, cfg.QueueCap)
	defer jobs.Shutdown()

	srv := server.New(cfg, mtr, pipe, jobs, gw)
	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("listener failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	srv.Shutdown()
}

type noopVoider struct{}

func (noopVoider) VoidHold(_ context.Context, _, _, _, _ string) error { return nil }
