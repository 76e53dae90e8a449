package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"homewatch/internal/adapters/browser"
	"homewatch/internal/adapters/idealista"
	"homewatch/internal/adapters/nominatim"
	"homewatch/internal/adapters/observability"
	redisad "homewatch/internal/adapters/redis"
	"homewatch/internal/adapters/telegram"
	"homewatch/internal/app"
	"homewatch/internal/domain"
	"homewatch/internal/shared"
	mysqlrepo "homewatch/internal/storage/mysql"
	"homewatch/internal/storage/postgres"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

type store interface {
	domain.ListingStore
	Migrate(ctx context.Context) error
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := shared.Load()
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	opts, err := parseFlags(args, stderr)
	if err != nil {
		log.Error().Err(err).Msg("invalid arguments")
		return exitConfig
	}
	kind := domain.SourceKind(opts.source)
	if err := cfg.Validate(kind, opts.notify); err != nil {
		log.Error().Err(err).Msg("configuration incomplete")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	reg := observability.InitRegistry()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("store unavailable")
		return exitFailed
	}
	defer closeStore()
	if err := st.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("migration failed")
		return exitFailed
	}

	var cache domain.Cache
	rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer rc.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	if err := rc.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable; geocoding uncached")
	} else {
		cache = rc
	}
	cancelPing()

	src, err := buildSource(cfg, kind)
	if err != nil {
		log.Error().Err(err).Msg("source setup failed")
		return exitConfig
	}

	var notifier domain.Notifier
	if opts.notify {
		tg, err := telegram.New(cfg.TelegramBase, cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Error().Err(err).Msg("telegram setup failed")
			return exitConfig
		}
		notifier = tg
	}

	geo := nominatim.New(cfg.NominatimBase, cfg.NominatimUA, cache, int(cfg.GeocodeCacheTTL.Seconds()))
	clock := app.SystemClock{}
	p := app.NewPipeline(app.Deps{
		Source:     src,
		Store:      st,
		Notifier:   notifier,
		Normalizer: app.NewNormalizer(cfg.SiteBase),
		Pacer:      app.NewPacer(cfg.NotifyInterval, clock),
		Resolver:   app.NewResolver(geo),
		Clock:      clock,
	})

	log.Info().Str("source", opts.source).Bool("notify", opts.notify).Msg("watcher starting")
	sum, runErr := p.Run(ctx, opts.query)
	fmt.Fprintln(stdout, sum.String())

	if err := observability.Push(cfg.PushgatewayURL, "homewatch_watcher", reg); err != nil {
		log.Warn().Err(err).Msg("metrics push failed")
	}

	return exitCode(runErr)
}

// exitCode maps a run error to the process status. Per-record failures never
// reach here: a completed batch exits zero.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case domain.IsKind(err, domain.KindConfig):
		return exitConfig
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn().Err(err).Msg("run interrupted")
		return exitFailed
	default:
		return exitFailed
	}
}

func openStore(ctx context.Context, cfg shared.Config) (store, func(), error) {
	if cfg.StoreDriver == "postgres" {
		r, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return mysqlrepo.New(db), func() { _ = db.Close() }, nil
}

func buildSource(cfg shared.Config, kind domain.SourceKind) (domain.Source, error) {
	if kind == domain.SourceScrape {
		chrome := browser.NewChrome(browser.Config{
			ChromePath:     cfg.ChromePath,
			Headless:       cfg.Headless,
			MinDelay:       2 * time.Second,
			MaxDelay:       5 * time.Second,
			ScreenshotPath: cfg.Screenshots,
		})
		return browser.NewSource(chrome, cfg.SiteBase), nil
	}
	c, err := idealista.New(idealista.Config{
		BaseURL:    cfg.IdealistaBase,
		Key:        cfg.IdealistaKey,
		Secret:     cfg.IdealistaSecret,
		Country:    cfg.IdealistaCountry,
		MaxItems:   cfg.IdealistaMaxItems,
		MaxPages:   cfg.IdealistaMaxPages,
		MaxRetries: cfg.IdealistaRetries,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
