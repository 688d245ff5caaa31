// Package commands implements the loomhubd CLI surface: serve, tokens,
// hubs, tasks, and worker subcommands, wired together with cobra and
// styled with pterm.
package commands

import (
	"database/sql"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/config"
	"github.com/loomhub/loomhub/db"
	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/federation"
	"github.com/loomhub/loomhub/hub"
	"github.com/loomhub/loomhub/hubregistry"
	"github.com/loomhub/loomhub/logger"
	"github.com/loomhub/loomhub/queue"
	"github.com/loomhub/loomhub/store"
	"github.com/loomhub/loomhub/tokens"
)

// remoteDispatchTimeout bounds how long a federated dispatch POST to an
// external hub may take before the router treats the attempt as failed.
const remoteDispatchTimeout = 5 * time.Second

// app bundles the wired-up substrate a subcommand needs: the stores, the
// token service, the hub registry, and (for serve/worker) the hub itself.
type app struct {
	cfg      *config.Config
	conn     *sql.DB
	tasks    *store.TaskStore
	tokens   *tokens.Service
	regs     *store.RegistrationStore
	hubStore *store.HubStore
	registry *hubregistry.Registry
	queue    *queue.Queue
}

// openApp loads config, opens the migrated database, and constructs every
// store and service a subcommand might need. The --db flag, when non-empty,
// takes precedence over the configured database path.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	if override, _ := cmd.Flags().GetString("db"); override != "" {
		cfg.Database.Path = override
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	taskStore := store.NewTaskStore(conn)
	tokenStore := store.NewTokenStore(conn)
	regStore := store.NewRegistrationStore(conn)
	hubStore := store.NewHubStore(conn)

	registry, err := hubregistry.New(hubStore)
	if err != nil {
		return nil, errors.Wrap(err, "build hub registry")
	}

	tokenService := tokens.New(tokenStore, regStore, cfg.Tokens.ValidateRateLimitRPS, cfg.Tokens.ValidateRateBurst)

	q := queue.New(taskStore,
		secondsToDuration(cfg.Dispatcher.ReapIntervalSeconds),
		hoursToDuration(cfg.Dispatcher.CleanupWindowHours))

	return &app{
		cfg:      cfg,
		conn:     conn,
		tasks:    taskStore,
		tokens:   tokenService,
		regs:     regStore,
		hubStore: hubStore,
		registry: registry,
		queue:    q,
	}, nil
}

// buildRouter ensures every statically-configured external hub is upserted
// into the Hub Registry, then wires a federation.Router over the app's
// builtin hub. The registry, not this map, is the source of truth for which
// external hubs are routable: the Router builds a RemoteHub from a
// registry row's endpoint on demand, so a hub added here at startup or via
// `hubs register` at runtime is routable without this map ever tracking it.
func buildRouter(a *app, builtin *hub.Hub) (*federation.Router, error) {
	for _, ext := range a.cfg.Federation.ExternalHubs {
		if _, err := a.registry.EnsureExternalHub(ext.ID, ext.Name, ext.Endpoint, ext.Priority, ext.Weight, ext.Region, parseLabels(ext.Labels)); err != nil {
			return nil, errors.Wrapf(err, "ensure configured hub %s", ext.ID)
		}
	}

	dispatchers := map[string]federation.Dispatcher{
		store.BuiltinHubID: federation.NewLocalDispatcher(builtin),
	}
	return federation.New(a.registry, dispatchers, remoteDispatchTimeout), nil
}

func (a *app) Close() error {
	return a.conn.Close()
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func hoursToDuration(h int) time.Duration {
	return time.Duration(h) * time.Hour
}
