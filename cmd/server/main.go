package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"catchdex.io/internal/app"
	"catchdex.io/internal/catalog"
	"catchdex.io/internal/config"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/ledger/sqlitestore"
	"catchdex.io/internal/persistence/audit"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/transport/ws"
)

func main() {
	var (
		configPath  = flag.String("config", "./configs/dex.yaml", "server config path (empty for defaults)")
		catalogPath = flag.String("catalog", "./configs/catalog.yaml", "item and pack catalog path")
		addr        = flag.String("addr", "", "http listen address (overrides addr)")
		dataDir     = flag.String("data", "", "runtime data directory (overrides data_dir and the paths derived from it)")
	)
	flag.Parse()

	logger := newLogger("server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if v := strings.TrimSpace(*dataDir); v != "" {
		cfg.DataDir = v
		cfg.Ledger.Path = ""
		cfg.Audit.Dir = ""
		cfg.Normalize()
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.Addr = v
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		logger.Fatalf("load catalog: %v", err)
	}
	logger.Printf("catalog %s: %d item(s), %d pack(s), %d special(s)", cat.Digest[:12], len(cat.Items), len(cat.Packs), len(cat.Specials))

	store, err := openStore(cfg.Ledger.Path)
	if err != nil {
		logger.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	var sink app.AuditSink
	if cfg.Audit.Enabled {
		w := audit.NewWriter(cfg.Audit.Dir)
		defer w.Close()
		sink = w
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		logger.Fatalf("protocol schemas: %v", err)
	}

	// The transport and the app need each other; the handler is bound once
	// the app exists.
	var a *app.App
	wsSrv := ws.NewServer(ws.HandlerFunc(func(ctx context.Context, in protocol.Interaction) protocol.ResultMsg {
		return a.Handle(ctx, in)
	}), validator, ws.Options{
		Catalog:       protocol.CatalogDigest{Digest: cat.Digest, Items: len(cat.Items), Packs: len(cat.Packs)},
		ResolverToken: cfg.Transport.ResolverToken,
		MaxInFlight:   cfg.Transport.MaxInFlight,
		ReadTimeout:   cfg.Transport.ReadTimeout,
		WriteTimeout:  cfg.Transport.WriteTimeout,
		Logger:        newLogger("ws"),
	})
	a, err = app.New(app.Deps{
		Config:   cfg,
		Store:    store,
		Catalog:  cat,
		Prompter: wsSrv,
		Audit:    sink,
		Logger:   newLogger,
	})
	if err != nil {
		logger.Fatalf("app: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.Recover(ctx); err != nil {
		logger.Fatalf("recover: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(a, wsSrv))
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	if envBool("DEX_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		registerAdmin(mux, &admin{
			app:      a,
			store:    store,
			ws:       wsSrv,
			auditDir: auditDir(cfg),
			snapDir:  filepath.Join(cfg.DataDir, "snapshots"),
			log:      logger,
		})
	} else {
		logger.Printf("admin endpoints disabled (DEX_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("DEX_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s (channels=%v)", cfg.Addr, cfg.Spawn.Channels)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatalf("server: %v", err)
	}
	logger.Printf("stopped")
}

func newLogger(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}

// openStore opens the sqlite ledger at path, or the in-memory store for
// ":memory:".
func openStore(path string) (ledger.Store, error) {
	if path == ":memory:" {
		return ledger.NewMemStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return sqlitestore.Open(path)
}

func auditDir(cfg config.Config) string {
	if !cfg.Audit.Enabled {
		return ""
	}
	return cfg.Audit.Dir
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
