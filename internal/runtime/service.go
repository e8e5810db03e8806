package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/busflow/internal/runtime/clientcache"
	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	"github.com/drblury/busflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metricspkg "github.com/drblury/busflow/internal/runtime/metrics"
	transportpkg "github.com/drblury/busflow/internal/runtime/transport"
)

// ShutdownTimeout bounds how long Start waits for processors to drain after
// its context is cancelled.
var ShutdownTimeout = 30 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	Hooks            handlerpkg.JobHooks
	// Metrics is used when set. Otherwise a recorder on the default
	// Prometheus registerer is created if metrics are enabled.
	Metrics *metricspkg.Recorder
	Tracer  trace.Tracer
	// Codec overrides the codec built from Config.JSON.
	Codec *jsoncodec.Codec
}

// processorHandle is the type-erased view the Service keeps of a
// ProcessorService.
type processorHandle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Info() ProcessorInfo
}

// Service hosts processors and publishers and owns the clients they share.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	factory transportpkg.Factory
	clients *clientcache.Cache[any]
	codec   *jsoncodec.Codec
	hooks   handlerpkg.JobHooks
	metrics *metricspkg.Recorder
	tracer  trace.Tracer

	processors   []processorHandle
	running      []processorHandle
	consumers    map[clientcache.Key]string
	processorsMu sync.Mutex

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex
}

// NewService validates the configuration and prepares a Service. Register
// processors on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating busflow service", loggingpkg.LogFields{
		"broker_system":    cfg.Broker.System,
		"checkpoint_store": cfg.Checkpoint.Store,
		"config":           cfg.String(),
	})

	codec := deps.Codec
	if codec == nil {
		var err error
		if codec, err = newCodec(cfg.JSON); err != nil {
			return nil, err
		}
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory(&cfg, loggingpkg.NewWatermillAdapter(log))
	}

	s := &Service{
		Conf:    &cfg,
		Logger:  log,
		factory: factory,
		clients: clientcache.New[any](),
		codec:   codec,
		hooks:   deps.Hooks,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	if cfg.MetricsEnabled {
		if s.metrics == nil {
			s.metrics = metricspkg.NewRecorder(nil)
		}
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.RegisterHTTPHandler(cfg.MetricsPort, "/metrics", s.metrics.Handler())
		s.RegisterHTTPHandler(cfg.MetricsPort, "/processors", http.HandlerFunc(s.handleGetProcessors))
	}

	return s, nil
}

func newCodec(cfg configpkg.JSONConfig) (*jsoncodec.Codec, error) {
	properties, err := jsoncodec.ParseNamingPolicy(cfg.PropertyNaming)
	if err != nil {
		return nil, fmt.Errorf("json property naming: %w", err)
	}
	keys, err := jsoncodec.ParseNamingPolicy(cfg.DictionaryKeys)
	if err != nil {
		return nil, fmt.Errorf("json dictionary keys: %w", err)
	}
	return jsoncodec.New(jsoncodec.Options{PropertyNaming: properties, DictionaryKeys: keys}), nil
}

// Start starts every registered processor and the HTTP servers, then blocks
// until ctx is cancelled and stops everything again.
func (s *Service) Start(ctx context.Context) error {
	if err := s.StartProcessors(ctx); err != nil {
		return err
	}
	s.startHTTPServers()

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// StartProcessors starts the registered processors in registration order.
// If one fails, the ones already started are stopped again.
func (s *Service) StartProcessors(ctx context.Context) error {
	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()

	for _, p := range s.processors {
		if p.IsRunning() || s.isTracked(p) {
			continue
		}
		if err := p.Start(ctx); err != nil {
			info := p.Info()
			rollbackCtx := context.WithoutCancel(ctx)
			for i := len(s.running) - 1; i >= 0; i-- {
				if stopErr := s.running[i].Stop(rollbackCtx); stopErr != nil {
					s.Logger.Error("Failed to stop processor during rollback", stopErr, loggingpkg.LogFields{"processor": s.running[i].Info().Name})
				}
			}
			s.running = nil
			return fmt.Errorf("start processor %s: %w", info.Name, err)
		}
		s.running = append(s.running, p)
	}
	s.Logger.Info("Processors started", loggingpkg.LogFields{"count": len(s.running)})
	return nil
}

func (s *Service) isTracked(p processorHandle) bool {
	for _, r := range s.running {
		if r == p {
			return true
		}
	}
	return false
}

// Stop stops the processors started by the Service in reverse order and
// shuts the HTTP servers down. Cached clients stay open until Close.
func (s *Service) Stop(ctx context.Context) error {
	s.processorsMu.Lock()
	running := s.running
	s.running = nil
	s.processorsMu.Unlock()

	var errs []error
	for i := len(running) - 1; i >= 0; i-- {
		if err := running[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop processor %s: %w", running[i].Info().Name, err))
		}
	}
	errs = append(errs, s.stopHTTPServers(ctx))
	return errors.Join(errs...)
}

// Close disposes every cached client exactly once.
func (s *Service) Close() error {
	return s.clients.Close()
}

// Processors describes every registered processor in registration order.
func (s *Service) Processors() []ProcessorInfo {
	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()

	infos := make([]ProcessorInfo, len(s.processors))
	for i, p := range s.processors {
		infos[i] = p.Info()
	}
	return infos
}

func (s *Service) addProcessor(p processorHandle) {
	s.processorsMu.Lock()
	s.processors = append(s.processors, p)
	s.processorsMu.Unlock()
}

// addConsumer adds a processor that owns the callbacks of the consumer client
// cached under key. A consumer client carries one handler set, so a second
// processor on the same key is rejected.
func (s *Service) addConsumer(key clientcache.Key, p processorHandle) error {
	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()

	name := p.Info().Name
	if owner, ok := s.consumers[key]; ok {
		return fmt.Errorf("%w: %s already consumes %s", errspkg.ErrHandlersRegistered, owner, key)
	}
	if s.consumers == nil {
		s.consumers = make(map[clientcache.Key]string)
	}
	s.consumers[key] = name
	s.processors = append(s.processors, p)
	return nil
}

// observer returns nil instead of a typed nil so bindings skip metrics.
func (s *Service) observer() handlerpkg.Observer {
	if s.metrics == nil {
		return nil
	}
	return s.metrics
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
