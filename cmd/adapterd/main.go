// Command adapterd runs the Fiscal Adapter daemon: the Durable Buffer, the
// Fiscalization Service, the Sync Worker, the Heartbeat Emitter, and the
// HTTP API, wired together in dependency order.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/coreos/etcd/clientv3"
	lndcert "github.com/lightningnetwork/lnd/cert"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	adapter "github.com/fiscalgw/adapter"
	"github.com/fiscalgw/adapter/internal/auth"
	"github.com/fiscalgw/adapter/internal/breaker"
	"github.com/fiscalgw/adapter/internal/config"
	"github.com/fiscalgw/adapter/internal/fiscalize"
	"github.com/fiscalgw/adapter/internal/heartbeat"
	"github.com/fiscalgw/adapter/internal/hlc"
	"github.com/fiscalgw/adapter/internal/httpapi"
	"github.com/fiscalgw/adapter/internal/kkt"
	"github.com/fiscalgw/adapter/internal/metrics"
	"github.com/fiscalgw/adapter/internal/ofd"
	"github.com/fiscalgw/adapter/internal/store"
	"github.com/fiscalgw/adapter/internal/syncworker"
)

type consoleAlerts struct{ log btclog.Logger }

func (a consoleAlerts) Alert(severity, code, message string) {
	a.log.Warnf("[%s] %s: %s", severity, code, message)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "adapterd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Sub-loggers are registered before SetupLoggers, which switches every
	// registered one over to the rotating backend.
	wireLoggers()
	alertLog := adapter.AddSubLogger("ALRT")

	level, ok := btclog.LevelFromString(cfg.LogLevel)
	if !ok {
		level = btclog.LevelInfo
	}
	rotator, err := adapter.SetupLoggers(cfg.LogFile, level)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer rotator.Close()

	wall := clock.NewDefaultClock()

	buf, err := store.Open(store.Config{
		Path:         cfg.BufferPath,
		Capacity:     cfg.BufferCapacity,
		MaxRetries:   cfg.SyncMaxRetries,
		AlertPercent: cfg.BufferAlertPercent,
		BlockPercent: cfg.BufferBlockPercent,
	}, wall)
	if err != nil {
		return fmt.Errorf("open durable buffer: %w", err)
	}
	defer buf.Close()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)
	buf.OnEvent(func(ev store.BufferEvent) {
		if ev.EventType == store.EventReceiptSynced || ev.EventType == store.EventReceiptFailed {
			metricsReg.ReceiptsTotal.WithLabelValues(string(ev.EventType)).Inc()
		}
		// Buffer fullness and DLQ size are recomputed on every event rather
		// than on a separate poll loop, so the gauges never lag the state
		// that just changed.
		if status, err := buf.Status(context.Background()); err == nil {
			metricsReg.BufferFullness.Set(status.FullnessFraction)
			metricsReg.DLQSize.Set(float64(status.DLQSize))
		}
	})

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.CBRecoveryTimeoutS) * time.Second,
		SuccessThreshold: cfg.CBSuccessThreshold,
	}, wall, breakerEventSink{buf: buf}, metricsReg.CircuitBreakerState)

	ofdClient := ofd.New(ofd.Config{BaseURL: cfg.OFDBaseURL, Timeout: cfg.OFDTimeout()}, &http.Client{Timeout: cfg.OFDTimeout()})

	hclock := hlc.New(wall)
	printer := kkt.WithTimeout(kkt.NewMockDriver(), kkt.Config{Timeout: cfg.KKTTimeout()})

	alerts := consoleAlerts{log: alertLog}

	svc := fiscalize.New(buf, printer, hclock, cb, ofdClient, alerts, wall, cfg.BufferAlertPercent, cfg.BufferBlockPercent)

	// The etcd lease is used when etcd_endpoints is configured; otherwise the
	// in-process lock serializes cycles within this process only.
	var locks syncworker.LockFactory = &syncworker.LocalLockFactory{}
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cfg.EtcdEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcdClient.Close()
		locks = syncworker.NewEtcdLockFactory(etcdClient, "/fiscaladapter/sync-lock", cfg.SyncLockTTL())
	}
	worker := syncworker.New(syncworker.Config{
		Interval:     cfg.SyncInterval(),
		BatchSize:    cfg.SyncBatchSize,
		StaleTimeout: 5 * cfg.SyncInterval(),
	}, buf, cb, ofdClient, locks, wall, ticker.New(cfg.SyncInterval()), metricsReg.SyncCyclesTotal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start sync worker: %w", err)
	}
	defer worker.Stop()

	var emitter *heartbeat.Emitter
	if cfg.HeartbeatERPURL != "" {
		emitter = heartbeat.New(heartbeat.Config{
			Interval: cfg.HeartbeatInterval(), ERPURL: cfg.HeartbeatERPURL, PosID: cfg.PosID, Timeout: 5 * time.Second,
		}, buf, cb, hclock, wall, ticker.New(cfg.HeartbeatInterval()), metricsReg.HLCDrift)
		emitter.Start()
		defer emitter.Stop()
	}

	var authSvc *auth.Service
	keys, err := auth.NewRootKeyStorage(cfg.OperatorDBPath)
	if err != nil {
		return fmt.Errorf("open operator store: %w", err)
	}
	defer keys.Close()
	if password := os.Getenv("ADAPTER_OPERATOR_PASSWORD"); password != "" {
		if err := keys.CreateUnlock([]byte(password)); err != nil && err != auth.ErrAlreadyUnlocked {
			return fmt.Errorf("unlock operator store: %w", err)
		}
		authSvc = auth.NewService(keys, wall)
	}

	apiServer := httpapi.New(svc, buf, cb, worker, locks, authSvc)

	tlsConfig, err := loadOrGenerateTLS(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.HTTPListenAddr)
	if err != nil {
		return fmt.Errorf("tls identity: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", apiServer)
	srv := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux, TLSConfig: tlsConfig}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServeTLS("", "")
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// wireLoggers points every subsystem package's logger at the registry in
// log.go, following the teacher's AddSubLogger/SetupLoggers pattern.
func wireLoggers() {
	store.UseLogger(adapter.AddSubLogger("BUFR"))
	breaker.UseLogger(adapter.AddSubLogger("BRKR"))
	fiscalize.UseLogger(adapter.AddSubLogger("FISC"))
	syncworker.UseLogger(adapter.AddSubLogger("SYNC"))
	heartbeat.UseLogger(adapter.AddSubLogger("HTBT"))
	httpapi.UseLogger(adapter.AddSubLogger("HTTP"))
}

// breakerEventSink appends circuit_opened/circuit_closed Buffer Events,
// per spec.md §3's closed event-type enum.
type breakerEventSink struct{ buf *store.Store }

func (s breakerEventSink) OnOpen() {
	_ = s.buf.AppendEvent(context.Background(), store.EventCircuitOpened, nil)
}

func (s breakerEventSink) OnClosed() {
	_ = s.buf.AppendEvent(context.Background(), store.EventCircuitClosed, nil)
}

// loadOrGenerateTLS reads an existing cert/key pair or generates a
// self-signed one on first run, per SPEC_FULL.md §6.
func loadOrGenerateTLS(certPath, keyPath, listenAddr string) (*tls.Config, error) {
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		host, _, splitErr := net.SplitHostPort(listenAddr)
		if splitErr != nil {
			host = listenAddr
		}
		certBytes, keyBytes, err := lndcert.GenCertPair(
			"fiscaladapter autogenerated cert", []string{host}, nil, false,
			14*24*time.Hour,
		)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed cert: %w", err)
		}
		if err := os.WriteFile(certPath, certBytes, 0o600); err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, keyBytes, 0o600); err != nil {
			return nil, err
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls cert pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
