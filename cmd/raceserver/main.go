package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"raceserver/internal/catalog"
	"raceserver/internal/content"
	"raceserver/internal/httpapi"
	"raceserver/internal/metrics"
	"raceserver/internal/registry"
	"raceserver/internal/scheduler"
	"raceserver/internal/shutdown"
	"raceserver/internal/store"
	"raceserver/internal/tlsutil"
	"raceserver/internal/transport"
	"raceserver/internal/wire"
)

// Version identifies the running build; reported by `raceserver version`.
// AuthSuccess's server_version field carries scheduler.ServerVersion instead.
const Version = "raceserver/1.0"

func main() {
	// Check for CLI subcommands before parsing server flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "raceserver.db") {
			return
		}
	}

	streamBind := flag.String("stream-bind", ":9000", "reliable stream (control) listen address")
	datagramBind := flag.String("datagram-bind", ":9001", "best-effort datagram listen address (informational; WebTransport multiplexes over stream-bind)")
	httpBind := flag.String("http-bind", ":9002", "health/ready/metrics/debug HTTP listen address")
	dbPath := flag.String("db", "raceserver.db", "SQLite database path (catalog cache, settings, audit trail)")
	contentDir := flag.String("content-dir", "content", "directory containing car_configs.json/track_configs.json")
	tickHz := flag.Float64("tick-rate-hz", 240, "fixed simulation tick rate")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 10*time.Second, "connection reap timeout since last heartbeat")
	requireTLS := flag.Bool("require-tls", false, "require a configured cert/key pair instead of self-signing at boot")
	tlsCertPath := flag.String("tls-cert-path", "", "PEM certificate path (empty generates a self-signed certificate)")
	tlsKeyPath := flag.String("tls-key-path", "", "PEM private key path")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	authToken := flag.String("auth-token", "", "shared secret clients must present to Authenticate (empty accepts any non-empty token)")
	maxMessageBytes := flag.Int("max-message-bytes", wire.MaxPayloadBytes, "maximum accepted stream frame size")
	globalInCapacity := flag.Int("global-in-capacity", 1000, "stream/datagram inbound channel capacity")
	globalOutCapacity := flag.Int("global-out-capacity", 2000, "datagram outbound channel capacity")
	perConnOutCapacity := flag.Int("per-conn-out-capacity", 100, "per-connection stream outbound queue capacity")
	shutdownGrace := flag.Duration("shutdown-grace", 3*time.Second, "grace period between the shutdown broadcast and cancellation")
	joinTimeout := flag.Duration("shutdown-join-timeout", 5*time.Second, "maximum time to wait for background goroutines to stop")
	metricsLogInterval := flag.Duration("metrics-log-interval", 5*time.Second, "interval for the periodic metrics summary log line")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()
	seedDefaults(st)

	cars, tracks, err := content.Load(*contentDir)
	if err != nil {
		log.Fatalf("[content] %v", err)
	}
	if err := st.CacheCatalog(context.Background(), cars, tracks); err != nil {
		slog.Warn("catalog cache write failed", "error", err)
	}
	slog.Info("content catalog loaded", "cars", len(cars), "tracks", len(tracks))

	hostname := ""
	if host, _, err := net.SplitHostPort(*streamBind); err == nil && host != "" {
		hostname = host
	}
	tlsConfig, fingerprint, err := tlsutil.Resolve(tlsutil.Config{
		RequireTLS: *requireTLS,
		CertPath:   *tlsCertPath,
		KeyPath:    *tlsKeyPath,
		Hostname:   hostname,
		Validity:   *certValidity,
	})
	if err != nil {
		log.Fatalf("[tls] %v", err)
	}
	slog.Info("TLS certificate ready", "fingerprint", fingerprint)

	m := metrics.New()
	reg := registry.New(*authToken, m)
	cat := catalog.New(cars, tracks)

	transportCfg := transport.Config{
		StreamBind:         *streamBind,
		DatagramBind:       *datagramBind,
		RequireTLS:         *requireTLS,
		TLSConfig:          tlsConfig,
		MaxMessageBytes:    *maxMessageBytes,
		GlobalInCapacity:   *globalInCapacity,
		GlobalOutCapacity:  *globalOutCapacity,
		PerConnOutCapacity: *perConnOutCapacity,
		AuthToken:          *authToken,
	}
	fabric := transport.New(transportCfg, reg, m)

	sched := scheduler.New(reg, cat, fabric, m, *tickHz, *heartbeatTimeout)
	sched.SetAudit(st)

	coordinator := shutdown.New(reg, fabric, *shutdownGrace, *joinTimeout)

	metricsHandler := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	api := httpapi.New(reg, cat, coordinator, metricsHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return fabric.Serve(groupCtx) })
	group.Go(func() error { return sched.Run(groupCtx) })
	group.Go(func() error { return api.Run(groupCtx, *httpBind) })
	group.Go(func() error {
		m.RunLogger(groupCtx, *metricsLogInterval)
		return nil
	})
	group.Go(func() error {
		coordinator.WatchSignals(groupCtx, cancel)
		return nil
	})

	slog.Info("raceserver starting",
		"version", Version,
		"stream_bind", *streamBind,
		"datagram_bind", *datagramBind,
		"http_bind", *httpBind,
		"tick_rate_hz", *tickHz,
	)

	var bgDone sync.WaitGroup
	bgDone.Add(1)
	var groupErr error
	go func() {
		defer bgDone.Done()
		groupErr = group.Wait()
	}()

	// groupCtx is canceled either by a signal (via coordinator.Trigger) or
	// by the first goroutine to return an error; either way, shutdown is
	// underway and background tasks are expected to wind down promptly.
	<-groupCtx.Done()
	if !coordinator.JoinWithTimeout(&bgDone) {
		log.Fatalf("[raceserver] background tasks did not stop within %s; forcing exit", *joinTimeout)
	}
	if groupErr != nil {
		log.Fatalf("[raceserver] %v", groupErr)
	}
}

// seedDefaults writes factory-default settings when they have not been
// created yet (first-run initialization).
func seedDefaults(st *store.Store) {
	ctx := context.Background()
	if _, err := st.Setting(ctx, "server_name"); err == store.ErrSettingNotFound {
		if err := st.SetSetting(ctx, "server_name", "raceserver"); err != nil {
			slog.Warn("seed server_name failed", "error", err)
		}
	}
}
