// Package orchestrator implements the L11 bootstrap/shutdown sequencer:
// it builds the data-dir layout, wires every lower layer together, runs
// scheduled housekeeping, and coordinates graceful shutdown.
//
// The New/Bootstrap/Serve/Close lifecycle mirrors blobstash.go's own
// main()/server.Server shape; the housekeeping scheduler is adapted
// from pkg/apps.Apps's cron.Cron field, moved from per-app user
// schedules onto a fixed internal housekeeping schedule.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	log2 "github.com/inconshreveable/log15"
	ps "github.com/mitchellh/go-ps"
	"github.com/robfig/cron/v3"

	"github.com/mmalmi/hashtreed/internal/config"
	"github.com/mmalmi/hashtreed/internal/logging"
	"github.com/mmalmi/hashtreed/internal/pathutil"
	"github.com/mmalmi/hashtreed/pkg/gateway"
	"github.com/mmalmi/hashtreed/pkg/history"
	"github.com/mmalmi/hashtreed/pkg/htree"
	"github.com/mmalmi/hashtreed/pkg/nostrpool"
	"github.com/mmalmi/hashtreed/pkg/permission"
	"github.com/mmalmi/hashtreed/pkg/resolver"
	"github.com/mmalmi/hashtreed/pkg/store"
	"github.com/mmalmi/hashtreed/pkg/store/blossom"
	"github.com/mmalmi/hashtreed/pkg/store/local"
	"github.com/mmalmi/hashtreed/pkg/store/tiered"
)

const housekeepingSchedule = "@every 10m"

// Orchestrator owns every layer's lifetime and the listener the
// gateway serves on.
type Orchestrator struct {
	conf *config.Config
	log  log2.Logger

	layout  *pathutil.Layout
	local   *local.Store
	tiered  *tiered.Store
	engine  *htree.Engine
	pool    *nostrpool.Pool
	resolv  *resolver.Resolver
	hist    *history.Store
	perms   *permission.Store
	gw      *gateway.Server
	cron    *cron.Cron
	ln      net.Listener
	httpSrv *http.Server
	closed  bool
}

// New builds every layer from conf but does not yet bind a listener or
// start background loops; call Bootstrap for that.
func New(conf *config.Config, signer gateway.Signer) (*Orchestrator, error) {
	logging.SetDebug(conf.Debug)
	log := logging.Root

	layout, err := pathutil.NewLayout(conf.DataDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: layout: %w", err)
	}

	localStore, err := local.New(layout.Blobs, conf.LocalCacheBytes, true, log)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: local store: %w", err)
	}

	var remote store.Store
	if len(conf.BlossomServers) > 0 {
		remote = blossom.New(conf.BlossomServers, conf.BlossomServers, nil)
	}
	tieredStore := tiered.New(localStore, remote, log)
	engine := htree.New(tieredStore)

	pool, err := nostrpool.New(layout.NostrDB, nil, log)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: nostr pool: %w", err)
	}
	res := resolver.New(pool, tieredStore, log)

	hist, err := history.Open(layout.History)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: history: %w", err)
	}

	perms, err := permission.Open(layout.Permissions)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: permissions: %w", err)
	}

	gw := gateway.New(engine, res, pool, perms, hist, signer, log)

	return &Orchestrator{
		conf:   conf,
		log:    log,
		layout: layout,
		local:  localStore,
		tiered: tieredStore,
		engine: engine,
		pool:   pool,
		resolv: res,
		hist:   hist,
		perms:  perms,
		gw:     gw,
		cron:   cron.New(),
	}, nil
}

// Bootstrap binds the gateway's listener and starts the housekeeping
// scheduler. It does not block; call Serve to run the HTTP server.
func (o *Orchestrator) Bootstrap() error {
	ln, err := o.gw.Listen()
	if err != nil {
		return fmt.Errorf("orchestrator: listen: %w", err)
	}
	o.ln = ln
	o.httpSrv = &http.Server{Handler: o.gw.Handler()}

	if _, err := o.cron.AddFunc(housekeepingSchedule, o.runHousekeeping); err != nil {
		return fmt.Errorf("orchestrator: schedule housekeeping: %w", err)
	}
	o.cron.Start()

	o.log.Info("bootstrapped", "addr", o.ln.Addr().String(), "data_dir", o.conf.DataDir)
	return nil
}

// Addr returns the bound gateway address, valid after Bootstrap.
func (o *Orchestrator) Addr() string {
	if o.ln == nil {
		return ""
	}
	return o.ln.Addr().String()
}

// Serve runs the gateway's HTTP server until the listener is closed.
func (o *Orchestrator) Serve() error {
	err := o.httpSrv.Serve(o.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// runHousekeeping performs the periodic sweep: LRU high-watermark
// eviction happens lazily on put already, so housekeeping here only
// covers work that nothing else triggers incidentally.
func (o *Orchestrator) runHousekeeping() {
	o.log.Debug("running housekeeping")
	st := o.local.Stats()
	o.log.Debug("local store usage", "items", st.Items, "bytes", st.Bytes,
		"pinned_items", st.PinnedItems, "pinned_bytes", st.PinnedBytes, "max", o.local.MaxSize())
}

// Close gracefully shuts down every layer: stops the cron scheduler,
// closes the HTTP server, and closes every underlying store. Calls
// after the first return nil and do nothing.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	o.closed = true
	o.cron.Stop()
	if o.httpSrv != nil {
		o.httpSrv.Shutdown(ctx)
	}
	if err := o.pool.Close(); err != nil {
		o.log.Error("closing nostr pool", "err", err)
	}
	if err := o.hist.Close(); err != nil {
		o.log.Error("closing history store", "err", err)
	}
	return o.local.Close()
}

// IsAlreadyRunning reports whether more than one process named
// "hashtreed" is running, by scanning running processes for the binary
// name. It does not check which data directory a process uses, and it
// is not a single-instance lock.
func IsAlreadyRunning() (bool, error) {
	procs, err := ps.Processes()
	if err != nil {
		return false, err
	}
	self := os.Getpid()
	count := 0
	for _, p := range procs {
		if p.Executable() == "hashtreed" {
			count++
		}
	}
	return count > 1 && self != 0, nil
}
