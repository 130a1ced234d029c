// Package daemon wires the event hub, database gateway, bus gateway
// and transformer stage into the single running process described in
// §5, and drives their periodic tick loop. It generalizes go-mcast's
// top-level Peer (core/peer.go), which owns a poll loop over
// its Invoker and Storage the same way this Daemon owns a tick loop
// over its gateways.
package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/busgateway"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/config"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/dbgateway"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/hub"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/logging"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/metrics"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/queue"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/transform"
)

// Daemon is one fully-wired running node (§5).
type Daemon struct {
	cfg     *config.Config
	log     logging.Logger
	hub     *hub.Hub
	db      *dbgateway.Gateway
	bus     *busgateway.Gateway
	stage   *transform.Stage
	metrics *metrics.Registry

	tickInterval time.Duration
}

// New builds every component and wires them onto a shared Hub, but
// does not yet connect to anything. Call Run to start the daemon.
func New(cfg *config.Config) (*Daemon, error) {
	log := logging.New(cfg.LoggingLevel).With(logging.Fields{"run_id": uuid.NewString()})

	if err := queue.EnsureDirectory(cfg.QueueDirectory); err != nil {
		return nil, errors.Wrap(err, "daemon: creating queue directory")
	}
	if cfg.TransformerDirectory != "" {
		if err := queue.EnsureDirectory(cfg.TransformerDirectory); err != nil {
			return nil, errors.Wrap(err, "daemon: creating transformer directory")
		}
	}
	manager := queue.NewManager(cfg.QueueDirectory, log.With(logging.Fields{"component": "queue"}))

	dbq, err := manager.Get("database")
	if err != nil {
		return nil, errors.Wrap(err, "daemon: opening database queue")
	}

	h := hub.New(log.With(logging.Fields{"component": "hub"}))
	db := dbgateway.New(cfg, h, log, dbq)
	bus := busgateway.New(cfg, h, log, manager)
	stage := transform.New(cfg.TransformerDirectory, log)
	stage.Register(h, cfg.ClientName, cfg.RemoteClients, db, bus)

	reg := metrics.New()
	db.SetRecorder(reg)
	bus.SetRecorder(reg)

	return &Daemon{
		cfg:          cfg,
		log:          log.With(logging.Fields{"component": "daemon"}),
		hub:          h,
		db:           db,
		bus:          bus,
		stage:        stage,
		metrics:      reg,
		tickInterval: time.Duration(cfg.CheckIntervalMillis) * time.Millisecond,
	}, nil
}

// MetricsHandler serves the daemon's prometheus metrics, or nil if
// cfg.MetricsAddr is unset (§3 "Metrics" is fully optional).
func (d *Daemon) MetricsHandler() http.Handler {
	if d.cfg.MetricsAddr == "" {
		return nil
	}
	return d.metrics.Handler()
}

// Run connects to the bus and then runs the tick loop (§5 "Lifecycle")
// until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.bus.Connect(ctx, d.cfg.MQTT); err != nil {
		return errors.Wrap(err, "daemon: connecting to bus")
	}
	defer d.bus.Close()

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon: shutting down")
			return nil
		case <-ticker.C:
			if err := d.db.Tick(ctx); err != nil {
				d.log.Errorf("daemon: database tick: %v", err)
			}
			if err := d.bus.Tick(ctx); err != nil {
				d.log.Errorf("daemon: bus tick: %v", err)
			}
		}
	}
}
