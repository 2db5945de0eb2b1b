// Package server orchestrates all components: client registry, WebSocket transport, command processor, COMMS bus, session audit and HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/action-gateway/internal/config"
	"github.com/morezero/action-gateway/pkg/bridge"
	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/db"
	"github.com/morezero/action-gateway/pkg/dispatch"
	"github.com/morezero/action-gateway/pkg/events"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/registry"
	"github.com/morezero/action-gateway/pkg/routes"
	"github.com/morezero/action-gateway/pkg/semver"
	"github.com/morezero/action-gateway/pkg/wsconn"
)

const (
	logPrefix = "server:server"

	staleSessionReason = "gateway restart"
	shutdownTimeout    = 30 * time.Second
)

// Server is the action-gateway orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	promReg    *prometheus.Registry
	reg        *registry.Registry
	tx         *dispatch.Tx
	ws         *wsconn.Handler
	bridge     *bridge.Bridge
	process    func(ctx context.Context) error
	httpServer *http.Server

	ready    atomic.Bool
	started  atomic.Bool
	procDone chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	slog.Info(fmt.Sprintf("%s - Starting action-gateway", logPrefix))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	s.Start(context.WithoutCancel(ctx))

	serveErr := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s (websocket %s)", logPrefix, cfg.ListenAddr(), cfg.WSPath))
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info(fmt.Sprintf("%s - Action-gateway is ready", logPrefix))

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info(fmt.Sprintf("%s - Received shutdown signal", logPrefix))
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return runErr
}

// New wires every component from cfg. The COMMS connection and the database
// pool are only opened when configured.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, procDone: make(chan error, 1)}

	// Step 1: Metrics
	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(s.promReg)

	// Step 2: Protocol constraint and routes
	protocol, err := semver.NewProtocolChecker(cfg.ProtocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol constraint: %w", logPrefix, err)
	}
	routesCfg, err := routes.LoadRoutesConfig(cfg.RoutesFile)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load routes: %w", logPrefix, err)
	}
	table, err := routes.NewTable(routesCfg)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid routes: %w", logPrefix, err)
	}

	// Step 3: Registry and dispatch channel
	regConfig := registry.DefaultConfig()
	regConfig.MaxClients = cfg.EffectiveMaxClients()
	s.reg = registry.NewRegistry(registry.NewRegistryParams{Config: regConfig, Metrics: m})
	tx, rx := dispatch.New()
	s.tx = tx

	var publishers []events.EventPublisher

	// Step 4: Connect to COMMS, or process locally without a bus
	if cfg.BridgeEnabled() {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		s.nc = nc
		slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

		s.bridge = bridge.New(bridge.Params{
			Conn:           nc,
			Rx:             rx,
			Routes:         table,
			Registry:       s.reg,
			Metrics:        m,
			Name:           cfg.COMMSName,
			ReplySubject:   cfg.ReplySubject,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err := s.bridge.Start(); err != nil {
			s.closeResources()
			return nil, err
		}
		s.process = s.bridge.Run
		publishers = append(publishers, events.NewCommsPublisher(nc, nil))
		slog.Info(fmt.Sprintf("%s - Routing %d configured routes from %s", logPrefix, table.Len(), table.Name()))
	} else {
		s.process = bridge.NewLocal(rx, s.reg, m).Run
		slog.Warn(fmt.Sprintf("%s - COMMS_URL not set, actions are processed locally", logPrefix))
	}

	// Step 5: Session audit
	if cfg.AuditEnabled() {
		recorder, err := s.openAudit(ctx)
		if err != nil {
			s.closeResources()
			return nil, err
		}
		publishers = append(publishers, recorder)
	}

	var pub events.EventPublisher
	if len(publishers) > 0 {
		pub = events.NewMultiPublisher(publishers...)
	}

	// Step 6: WebSocket transport
	s.ws = wsconn.NewHandler(wsconn.HandlerParams{
		Registry: s.reg,
		Tx:       tx,
		Metrics:  m,
		Events:   pub,
		Protocol: protocol,
		Config: wsconn.Config{
			SendQueueSize:   cfg.SendQueueSize,
			MaxMessageBytes: cfg.MaxMessageBytes,
			PingInterval:    cfg.PingInterval,
			WriteTimeout:    cfg.WriteTimeout,
		},
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) openAudit(ctx context.Context) (*db.SessionRecorder, error) {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	repo := db.NewSessionRepository(pool)
	n, err := repo.CloseStaleSessions(ctx, s.cfg.COMMSName, staleSessionReason)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to close stale sessions: %w", logPrefix, err)
	}
	if n > 0 {
		slog.Info(fmt.Sprintf("%s - Closed %d stale sessions", logPrefix, n))
	}
	return db.NewSessionRecorder(repo, s.cfg.COMMSName), nil
}

// Start launches the command processor and marks the server ready.
func (s *Server) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		err := s.process(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error(fmt.Sprintf("%s - command processor stopped: %v", logPrefix, err))
		}
		s.procDone <- err
	}()
	s.ready.Store(true)
}

// Registry returns the client registry.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Shutdown stops accepting connections, closes open ones, drains the dispatch
// channel and releases the COMMS connection and database pool. Only the first
// call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown(ctx) })
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.ready.Store(false)

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%s - http shutdown: %w", logPrefix, err))
	}
	if err := s.ws.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	s.tx.Close()
	if s.started.Load() {
		select {
		case <-s.procDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%s - command processor did not stop: %w", logPrefix, ctx.Err()))
		}
	}

	s.closeResources()
	return errors.Join(errs...)
}

func (s *Server) closeResources() {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			slog.Debug(fmt.Sprintf("%s - drain: %v", logPrefix, err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Handler returns the HTTP routes: the WebSocket endpoint, health, readiness,
// metrics, the client list and a status page.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WSPath, s.ws)
	if s.cfg.WSPath != "/" {
		mux.HandleFunc("/", s.handleHome())
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := s.health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status != registry.HealthStatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "ready"
		if !s.ready.Load() {
			status = "not ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.HandleFunc("/clients", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.clients())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) health(ctx context.Context) *registry.HealthOutput {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	defer cancel()

	var checks []registry.HealthCheck
	if s.nc != nil {
		checks = append(checks, registry.HealthCheck{Name: "comms", Check: func(context.Context) error {
			if st := s.nc.Status(); st != comms.CONNECTED {
				return fmt.Errorf("comms status %s", st)
			}
			return nil
		}})
	}
	if s.pool != nil {
		checks = append(checks, registry.HealthCheck{Name: "database", Check: s.pool.Ping})
	}
	return s.reg.Health(ctx, checks...)
}

// clientsOutput is the /clients response body.
type clientsOutput struct {
	Count      int                 `json:"count"`
	MaxClients uint64              `json:"maxClients"`
	Clients    []registry.ClientID `json:"clients"`
}

func (s *Server) clients() *clientsOutput {
	ids := s.reg.ClientIDs()
	return &clientsOutput{Count: len(ids), MaxClients: s.reg.MaxClients(), Clients: ids}
}

// homePageTemplate is the HTML for the gateway status page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Action Gateway</title>
  <style>
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy, .stat { color: #0066cc; font-weight: bold; }
    .status-unhealthy, .error { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; max-width: 600px; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
  </style>
</head>
<body>
  <h1>Action Gateway</h1>
  <p>WebSocket endpoint: <code>{{.WSPath}}</code></p>

  <h2>Health</h2>
  <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
  <table>
    <thead><tr><th>Check</th><th>Result</th></tr></thead>
    <tbody>
      {{range $name, $ok := .Health.Checks}}
      <tr><td>{{$name}}</td><td>{{if $ok}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</td></tr>
      {{end}}
    </tbody>
  </table>
  <p>Timestamp: {{.Health.Timestamp}}</p>

  <h2>Clients</h2>
  <p>Connected: <span class="stat">{{.Clients.Count}}</span> of {{.Clients.MaxClients}}</p>
  {{if .Clients.Clients}}
  <p>{{range .Clients.Clients}}{{.}} {{end}}</p>
  {{end}}
</body>
</html>
`

// homeData is the data passed to the home page template.
type homeData struct {
	WSPath  string
	Health  *registry.HealthOutput
	Clients *clientsOutput
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := homeData{
			WSPath:  s.cfg.WSPath,
			Health:  s.health(r.Context()),
			Clients: s.clients(),
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
