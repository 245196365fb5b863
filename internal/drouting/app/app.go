// Package app wires the routing service together: database, loader,
// coordinator, router, caches, keepalive, management API, gRPC health and
// the SIP front end.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo"
	"github.com/sebas/drouter/internal/drouting/api"
	"github.com/sebas/drouter/internal/drouting/config"
	"github.com/sebas/drouter/internal/drouting/groups"
	"github.com/sebas/drouter/internal/drouting/keepalive"
	"github.com/sebas/drouter/internal/drouting/loader"
	"github.com/sebas/drouter/internal/drouting/reload"
	"github.com/sebas/drouter/internal/drouting/router"
	"github.com/sebas/drouter/internal/drouting/selector"
	"github.com/sebas/drouter/internal/drouting/sipfront"
	"github.com/sebas/drouter/internal/drouting/table"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reported besides "".
const HealthService = "drouter"

// DRouter is the assembled routing service.
type DRouter struct {
	cfg *config.Config
	db  *sql.DB

	loader    *loader.Loader
	coord     *reload.Coordinator
	trigger   *reload.Trigger
	scheduler *reload.Scheduler
	router    *router.Router
	groups    *groups.Cached
	prober    *keepalive.Prober

	apiServer *api.Server
	health    *health.Server
	grpc      *grpc.Server

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	front  *sipfront.Handler
}

// New opens the database, loads the first snapshot and builds every
// component. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config) (*DRouter, error) {
	d := &DRouter{cfg: cfg}
	if err := d.init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *DRouter) init(ctx context.Context) error {
	cfg := d.cfg

	db, dialect, err := loader.Open(ctx, cfg.DBDriver, cfg.DBURL)
	if err != nil {
		return err
	}
	d.db = db
	if dialect == loader.SQLite {
		if err := loader.Migrate(ctx, db, cfg.Tables); err != nil {
			return err
		}
	}

	d.loader, err = loader.New(db, dialect, loader.Options{
		Tables:    cfg.Tables,
		FetchRows: cfg.FetchRows,
		ForceDNS:  cfg.ForceDNS,
		Source:    dialect.String(),
	})
	if err != nil {
		return err
	}

	initial, err := d.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	d.coord = reload.NewCoordinator(initial)
	d.trigger = reload.NewTrigger(d.coord, d.loader.Load)

	if cfg.ReloadSchedule != "" {
		d.scheduler, err = reload.NewScheduler(cfg.ReloadSchedule, d.trigger, cfg.ReloadTimeout)
		if err != nil {
			return err
		}
	}

	// Caller groups: SQL, optionally fronted by redis, always by a local cache
	sqlGroups, err := groups.NewSQLResolver(db, dialect, cfg.Tables.Groups, cfg.UseDomain)
	if err != nil {
		return err
	}
	var remote *groups.RedisCache
	if cfg.RedisAddr != "" {
		remote, err = groups.NewRedisCache(ctx, cfg.RedisAddr, cfg.GroupCacheTTL)
		if err != nil {
			return err
		}
	}
	d.groups = groups.NewCached(sqlGroups, remote, cfg.GroupCacheTTL, cfg.UseDomain)

	d.router = router.New(d.coord, selector.New(cfg.Selector(), nil), d.groups)

	// SIP user agent, server, and client
	d.ua, err = sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	d.srv, err = sipgo.NewServer(d.ua)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	d.client, err = sipgo.NewClient(d.ua)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	d.front = sipfront.New(d.router, 5*time.Second)
	d.front.Register(d.srv)

	if cfg.Keepalive {
		kcfg := keepalive.DefaultConfig()
		kcfg.Interval = cfg.KeepaliveInterval
		d.prober = keepalive.New(kcfg, keepalive.NewSIPPinger(d.client, cfg.AdvertiseAddr, cfg.Port))
		d.prober.SetGateways(initial.Gateways().All())
	}

	d.health = health.NewServer()
	d.setServing(healthpb.HealthCheckResponse_SERVING)

	d.coord.OnPrepare(d.prepare)
	d.coord.OnInstall(d.installed)

	d.apiServer = api.NewServer(cfg.APIAddr, d.coord, d.trigger, d.router)
	d.apiServer.SetTokenSecret(cfg.APISecret)
	d.apiServer.SetCacheStatsProvider(d.groups)
	if d.prober != nil {
		d.apiServer.SetProbeStatusProvider(d.prober)
	}
	return nil
}

// prepare carries liveness of surviving gateways into the new snapshot.
func (d *DRouter) prepare(prev, next *table.Snapshot) {
	if prev == nil {
		return
	}
	n := next.Gateways().CarryStates(prev.Gateways())
	slog.Debug("[App] Carried gateway states", "gateways", n)
}

func (d *DRouter) installed(_, next *table.Snapshot) {
	if d.prober != nil {
		d.prober.SetGateways(next.Gateways().All())
	}
	// group memberships may have changed with the data
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.groups.Invalidate(ctx); err != nil {
		slog.Warn("[App] Failed to invalidate group cache", "error", err)
	}
}

func (d *DRouter) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	d.health.SetServingStatus("", status)
	d.health.SetServingStatus(HealthService, status)
}

// Router exposes the router, e.g. to register pre-route hooks.
func (d *DRouter) Router() *router.Router {
	return d.router
}

// Trigger exposes the reload trigger.
func (d *DRouter) Trigger() *reload.Trigger {
	return d.trigger
}

// Run serves SIP, the management API, gRPC health and the optional
// background jobs until ctx is canceled or one of them fails.
func (d *DRouter) Run(ctx context.Context) error {
	var lis net.Listener
	if d.cfg.GRPCAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", d.cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listener on %s: %w", d.cfg.GRPCAddr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := d.cfg.SIPAddr()
		slog.Info("[App] Starting SIP server", "listenAddr", addr)
		if err := d.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
			return fmt.Errorf("sip listener on %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		return d.apiServer.Run(ctx)
	})

	if lis != nil {
		d.grpc = grpc.NewServer()
		healthpb.RegisterHealthServer(d.grpc, d.health)
		g.Go(func() error {
			slog.Info("[App] gRPC health server listening", "address", d.cfg.GRPCAddr)
			if err := d.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			d.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
			d.grpc.GracefulStop()
			return nil
		})
	}

	if d.prober != nil {
		g.Go(func() error { return d.prober.Run(ctx) })
	}
	if d.scheduler != nil {
		g.Go(func() error { return d.scheduler.Run(ctx) })
	}

	return g.Wait()
}

// Close releases every resource. It waits for in-flight routing decisions.
func (d *DRouter) Close() error {
	var errs []error
	if d.health != nil {
		d.health.Shutdown()
	}
	if d.coord != nil {
		d.coord.Close()
	}
	if d.groups != nil {
		if err := d.groups.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	// closing the user agent closes the server and client transports
	if d.ua != nil {
		if err := d.ua.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
