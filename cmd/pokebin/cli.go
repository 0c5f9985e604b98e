package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"pokebin/cfg"
	"pokebin/pkg/dex"
	"pokebin/pkg/grammar"
	"pokebin/pkg/idcipher"
	"pokebin/pkg/secrets"
	"pokebin/pkg/team"
	"pokebin/svc/api"
	"pokebin/svc/cache"
	"pokebin/svc/db"
	"pokebin/svc/lim"
	"pokebin/svc/svc"
	"pokebin/svc/util"
)

func newApp() *cli.App {
	app := &cli.App{
		Name:    "pokebin",
		Usage:   "Team paste service",
		Version: Version,
		Action:  serve,
		Commands: []*cli.Command{
			serveCmd(),
			healthCmd(),
			checkDataCmd(),
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP server (default)",
		Action: serve,
	}
}

func healthCmd() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Ping the configured store and exit 0 when it answers",
		Action: func(cctx *cli.Context) error {
			c, err := cfg.Load()
			if err != nil {
				return err
			}
			store, err := db.Open(c)
			if err != nil {
				return cli.Exit("store unavailable: "+err.Error(), 1)
			}
			defer store.Close()
			ctx, cancel := context.WithTimeout(cctx.Context, time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				return cli.Exit("store ping failed: "+err.Error(), 1)
			}
			fmt.Fprintln(cctx.App.Writer, "ok")
			return nil
		},
	}
}

func checkDataCmd() *cli.Command {
	return &cli.Command{
		Name:  "check-data",
		Usage: "Load the lookup tables, verify species images and print counts",
		Action: func(cctx *cli.Context) error {
			c, err := cfg.Load()
			if err != nil {
				return err
			}
			d, missing, err := loadDex(c, os.DirFS(c.Data.AssetRoot))
			if err != nil {
				return err
			}
			fmt.Fprintf(cctx.App.Writer, "species: %d\nmoves: %d\nitems: %d\nmissing images: %d\n",
				d.Species().Len(), d.Moves().Len(), d.Items().Len(), missing)
			return nil
		},
	}
}

func loadDex(c *cfg.Cfg, assets fs.FS) (*dex.Dex, int, error) {
	d, err := dex.Load(assets, dex.Files{
		Species: c.Data.PokemonFile,
		Moves:   c.Data.MovesFile,
		Items:   c.Data.ItemsFile,
	}, c.Data.UnknownImage)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load lookup tables")
	}
	return d, d.Verify(assets), nil
}

// cipherKey returns a copy of the id cipher key; the caller wipes it.
func cipherKey(ctx context.Context, c *cfg.Cfg) ([]byte, error) {
	if !c.IDCipherKeyFromSecrets {
		return []byte(c.IDCipherKey.Value()), nil
	}
	adapter, err := secrets.NewAdapter(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "init secrets adapter")
	}
	util.Info().Str("provider", adapter.Provider()).Msg("secrets adapter initialized")
	key, err := adapter.GetSecret(ctx, "ID_CIPHER_KEY")
	if err != nil {
		return nil, errors.Wrap(err, "load ID_CIPHER_KEY")
	}
	return []byte(key), nil
}

func serve(cctx *cli.Context) error {
	c, err := cfg.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("version", Version).Msg("starting pokebin")
	util.Debug().Strs("allowed_origins", c.AllowedOrigins).Msg("cors configuration")

	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	key, err := cipherKey(ctx, c)
	if err != nil {
		return err
	}
	cipher, err := idcipher.New(key)
	util.Wipe(key)
	if err != nil {
		return errors.Wrap(err, "init id cipher")
	}

	assets := os.DirFS(c.Data.AssetRoot)
	d, missing, err := loadDex(c, assets)
	if err != nil {
		return err
	}
	util.Info().
		Int("species", d.Species().Len()).
		Int("moves", d.Moves().Len()).
		Int("items", d.Items().Len()).
		Int("missing_images", missing).
		Msg("lookup tables loaded")

	store, err := db.Open(c)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()
	if c.UsePostgres() {
		util.Info().Str("dsn", util.RedactDSN(c.DatabaseURL.Value())).Msg("postgres store initialized")
	} else {
		util.Info().Str("path", c.DatabasePath).Msg("sqlite store initialized")
	}

	var (
		rdb       *db.Redis
		blobCache svc.BlobCache
		counter   lim.Counter
		pinger    api.Pinger
	)
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without it")
		} else {
			defer rdb.Close()
			blobCache, counter, pinger = rdb, rdb, rdb
			util.Info().Dur("cache_ttl", c.RedisCacheTTL).Msg("redis connected")
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		return errors.Wrap(err, "create LRU cache")
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	builder := team.NewBuilder(grammar.New(), d.Species(), d.Moves(), d.Items(), d)
	pasteSvc := svc.NewPaste(store, lruCache, blobCache, cipher, builder, d, c)

	limiter := lim.New(lim.LimitsFromCfg(c.RateLimit), counter, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("create_rpm", c.RateLimit.CreateRPM).
		Int("read_rpm", c.RateLimit.ReadRPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server, err := api.NewServer(c, pasteSvc, limiter, store, pinger, assets)
	if err != nil {
		return errors.Wrap(err, "build server")
	}

	walCtx, stopWAL := context.WithCancel(ctx)
	defer stopWAL()
	walDone := make(chan struct{})
	if sq, ok := store.(*db.SQLite); ok {
		go func() {
			defer close(walDone)
			sq.MaintainWAL(walCtx, db.WALCheckpointInterval)
		}()
		util.Info().Msg("WAL maintenance worker started")
	} else {
		close(walDone)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		util.Info().Msg("shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			stopWAL()
			<-walDone
			return errors.Wrap(err, "server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	stopWAL()
	select {
	case <-walDone:
		util.Info().Msg("WAL maintenance stopped")
	case <-time.After(6 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop gracefully")
	}
	util.Info().Msg("shutdown complete")
	return nil
}
