package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tjper/initd/internal/encrypt"
	"github.com/tjper/initd/internal/jobworker/binder"
	"github.com/tjper/initd/internal/jobworker/class"
	"github.com/tjper/initd/internal/jobworker/config"
	"github.com/tjper/initd/internal/jobworker/control"
	"github.com/tjper/initd/internal/jobworker/dbusnotify"
	"github.com/tjper/initd/internal/jobworker/event"
	"github.com/tjper/initd/internal/jobworker/job"
	"github.com/tjper/initd/internal/jobworker/metrics"
	"github.com/tjper/initd/internal/jobworker/ptrace"
	"github.com/tjper/initd/internal/jobworker/reaper"
	"github.com/tjper/initd/internal/jobworker/spawner"
	"github.com/tjper/initd/internal/jobworker/watch"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func newServeCmd() *cobra.Command {
	var (
		configDir   string
		port        int
		metricsAddr string
		cert        string
		key         string
		caCert      string
		restart     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the initd supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOpts{
				configDir:   configDir,
				port:        port,
				metricsAddr: metricsAddr,
				cert:        cert,
				key:         key,
				caCert:      caCert,
				restart:     restart,
			})
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "/etc/initd/conf.d", "directory of job class *.conf files")
	cmd.Flags().IntVar(&port, "port", 8080, "port to serve the control surface on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
	cmd.Flags().StringVar(&cert, "cert", "", "path to server certificate")
	cmd.Flags().StringVar(&key, "key", "", "path to server private key")
	cmd.Flags().StringVar(&caCert, "ca-cert", "", "path to CA certificate")
	cmd.Flags().BoolVar(&restart, "restart", false, "suppress signal reset and startup event emission, for a warm re-exec")

	return cmd
}

type serveOpts struct {
	configDir   string
	port        int
	metricsAddr string
	cert        string
	key         string
	caCert      string
	restart     bool
}

// runServe wires every component built over the course of this daemon's
// packages into a running supervisor: class registry, event bus, binder,
// job supervisor, reaper, config intake, control surface, metrics, and
// D-Bus notification, then blocks until the context is canceled by a
// terminating signal (§5 "single-threaded, cooperative, event-loop driven").
func runServe(ctx context.Context, opts serveOpts) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := class.New()
	bus := event.New(nil)

	spawn := func(spec spawner.Spec) (int, error) { return spawner.Spawn(ctx, spec) }
	sup := job.NewSupervisor(registry, bus, ptrace.Linux, spawn, nil)
	bndr := binder.New(registry, sup)
	bus.SetHandler(bndr.Handle)

	notifier, err := dbusnotify.Connect()
	if err != nil {
		logger.Warnf("connect to D-Bus, continuing without signal notification; error: %s", err)
	} else {
		logger.Infof("connected to D-Bus for job state notification")
	}

	if pid1() {
		if err := reaper.BecomeSubreaper(); err != nil {
			logger.Errorf("become child subreaper; error: %s", err)
		}
	}

	r := reaper.New(sup.OnExit, sup.OnStopped)
	go func() {
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("reaper; error: %s", err)
		}
	}()

	loader := config.NewLoader(opts.configDir, classLoaderAdapter{registry: registry, notifier: notifier})
	if err := loader.LoadAll(); err != nil {
		logger.Warnf("initial config load; path: %s, error: %s", opts.configDir, err)
	}
	go func() {
		if err := loader.Watch(ctx); err != nil {
			logger.Errorf("config watch; error: %s", err)
		}
	}()

	reloadCerts := make(chan struct{}, 1)
	go pumpLoop(ctx, bus)
	go routeSignals(ctx, sup, reloadCerts)

	if !opts.restart {
		sup.Emit("startup", nil)
	}

	go serveMetrics(ctx, opts.metricsAddr)

	return serveControl(ctx, opts, registry, sup, loader, reloadCerts)
}

// pumpLoop drives the event bus's Pump once per wake, approximating the
// single main-loop iteration model of §5 without busy-waiting: anything
// that emits an event (signal routing, job lifecycle transitions) wakes a
// pump via bus.Wake(), and a slow backstop ticker catches anything that
// fired the wake before this loop started watching it.
func pumpLoop(ctx context.Context, bus *event.Bus) {
	backstop := time.NewTicker(time.Second)
	defer backstop.Stop()

	for {
		bus.Pump()
		select {
		case <-ctx.Done():
			return
		case <-bus.Wake():
		case <-backstop.C:
		}
	}
}

// pid1 reports whether the calling process is the system's init process.
func pid1() bool { return os.Getpid() == 1 }

// routeSignals maps the pid-1 signal surface (§6) onto event-bus
// emissions: SIGWINCH -> kbdrequest, SIGPWR -> power-status-changed. SIGHUP
// is logged only, since config reload already runs continuously via the
// config directory watch. SIGUSR1 ("reconnect control bus") triggers the
// control surface to reload its TLS certificate and key off disk, the
// nearest core equivalent to upstart's control-bus reconnect. SIGINT/SIGTERM
// are handled by the outer signal.NotifyContext as an orderly shutdown
// request (pid 1 does not normally exit, but the debug/non-pid-1 mode does).
func routeSignals(ctx context.Context, sup *job.Supervisor, reloadCerts chan<- struct{}) {
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, syscall.SIGWINCH, syscall.SIGPWR, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGWINCH:
				sup.Emit("kbdrequest", nil)
			case syscall.SIGPWR:
				sup.Emit("power-status-changed", nil)
			case syscall.SIGHUP:
				logger.Infof("SIGHUP received, reload requested")
			case syscall.SIGUSR1:
				logger.Infof("SIGUSR1 received, reconnecting control bus")
				select {
				case reloadCerts <- struct{}{}:
				default:
				}
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("metrics listener; addr: %s, error: %s", addr, err)
	}
}

func serveControl(ctx context.Context, opts serveOpts, registry *class.Registry, sup *job.Supervisor, loader *config.Loader, reloadCerts <-chan struct{}) error {
	var serverOpts []grpc.ServerOption
	if opts.cert != "" && opts.key != "" && opts.caCert != "" {
		watcher, err := newCertWatcher(opts.cert, opts.key, opts.caCert)
		if err != nil {
			return fmt.Errorf("server TLS config: %w", err)
		}
		go watcher.run(ctx, reloadCerts)
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(&tls.Config{
			MinVersion:         tls.VersionTLS13,
			ClientAuth:         tls.RequireAndVerifyClientCert,
			GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) { return watcher.current(), nil },
		})))
	} else {
		logger.Warnf("serving control surface without TLS; cert/key/ca-cert not all set")
	}

	srv := grpc.NewServer(serverOpts...)
	impl := control.New(registry, sup, sup, loader, version)
	control.RegisterServer(srv, impl)

	addr := fmt.Sprintf(":%d", opts.port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("serve control surface: %w", err)
	}
	return nil
}

// classLoaderAdapter satisfies config.ClassLoader by driving the class
// Registry's register/supersede operations (§4.E, §4.H) and, when
// available, announcing the change over D-Bus.
type classLoaderAdapter struct {
	registry *class.Registry
	notifier *dbusnotify.Notifier
}

func (a classLoaderAdapter) OnClassLoaded(path string, c *class.Class) {
	if err := a.registry.Supersede(c.Name, c); err != nil {
		logger.Errorf("load class; path: %s, error: %s", path, err)
		return
	}
	a.notifier.JobStateChanged(c.Name, "", "LOADED", "")
}

func (a classLoaderAdapter) OnClassUnloaded(path string) {
	name := strings.TrimSuffix(filepath.Base(path), config.Ext)
	a.registry.Unregister(name)
	a.notifier.JobStateChanged(name, "", "UNLOADED", "")
	logger.Infof("class definition removed; path: %s", path)
}

// certWatcher holds the control surface's live mTLS server config, reloaded
// off disk whenever its cert file is modified or SIGUSR1 requests a
// reconnect, so rotating the operator's certificate doesn't require
// restarting pid 1.
type certWatcher struct {
	cert, key, caCert string
	config            atomic.Pointer[tls.Config]
}

func newCertWatcher(cert, key, caCert string) (*certWatcher, error) {
	w := &certWatcher{cert: cert, key: key, caCert: caCert}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *certWatcher) current() *tls.Config { return w.config.Load() }

func (w *certWatcher) reload() error {
	cfg, err := encrypt.NewServermTLSConfig(w.cert, w.key, w.caCert)
	if err != nil {
		return err
	}
	w.config.Store(cfg)
	return nil
}

// run watches w.cert for modifications and listens on reloadCerts,
// reloading the TLS config whenever either fires, until ctx is canceled.
func (w *certWatcher) run(ctx context.Context, reloadCerts <-chan struct{}) {
	modified := watch.NewModWatcher(w.cert)
	go func() {
		if err := modified.Watch(ctx, time.Second); err != nil && ctx.Err() == nil {
			logger.Errorf("cert watch; path: %s, error: %s", w.cert, err)
		}
	}()

	modifiedCh := make(chan struct{})
	go func() {
		defer close(modifiedCh)
		for {
			if err := modified.WaitUntil(ctx); err != nil {
				return
			}
			select {
			case modifiedCh <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadCerts:
		case _, ok := <-modifiedCh:
			if !ok {
				return
			}
		}
		if err := w.reload(); err != nil {
			logger.Errorf("reload control surface TLS config; error: %s", err)
			continue
		}
		logger.Infof("control surface TLS config reloaded; cert: %s", w.cert)
	}
}
