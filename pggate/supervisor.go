package pggate

import (
	"context"
	"fmt"
	"sync"
	"time"

	scanUtils "github.com/siemens/GoScans/utils"
)

// Supervisor constructs one TLS context and one route proxy per configured
// route and runs them until an external shutdown request arrives or a
// listener exits fatally. A route failing at startup is logged and skipped;
// startup aborts only if no route remains.
type Supervisor struct {
	logger  scanUtils.Logger
	config  *Config
	certs   *CertStore
	proxies []*RouteProxy
}

// NewSupervisor prepares all routes of a configuration: certificate material
// is loaded, TLS contexts are built and listener endpoints are bound
func NewSupervisor(logger scanUtils.Logger, config *Config) (*Supervisor, error) {

	// Prepare certificate store shared by all routes
	certs := NewCertStore(logger)

	// Build TLS context and route proxy per configured route
	proxies := make([]*RouteProxy, 0, len(config.Routes))
	for _, route := range config.Routes {

		// Build immutable TLS context from the route's certificate material
		tlsConf, errTls := certs.ServerTlsConfig(route.Listener)
		if errTls != nil {
			logger.Errorf("Route '%s' failed: %s.", route.Listener.BindAddress, errTls)
			continue
		}

		// Bind listener endpoint
		proxy, errProxy := NewRouteProxy(logger, route, tlsConf)
		if errProxy != nil {
			logger.Errorf("Route '%s' failed: %s.", route.Listener.BindAddress, errProxy)
			continue
		}

		// Keep prepared route
		proxies = append(proxies, proxy)
	}

	// Abort startup if no route could be brought up
	if len(proxies) == 0 {
		return nil, fmt.Errorf("no proxy route could be started")
	}

	// Return prepared supervisor
	return &Supervisor{
		logger:  logger,
		config:  config,
		certs:   certs,
		proxies: proxies,
	}, nil
}

// Routes returns the prepared route proxies, e.g. to look up bound addresses
func (s *Supervisor) Routes() []*RouteProxy {
	return s.proxies
}

// Run serves all prepared routes until the given context is canceled by the
// host or any listener exits fatally. On return all listeners are closed and
// in-flight connections have either finished within the configured grace
// period or were canceled. A fatal listener error is returned to the caller.
func (s *Supervisor) Run(ctx context.Context) error {

	// Log startup
	s.logger.Infof("PgGate serving %d route(s).", len(s.proxies))

	// Launch background routine refreshing expired certificate material
	ctxRefresh, cancelRefresh := context.WithCancel(context.Background())
	defer cancelRefresh()
	go func() {
		ticker := time.NewTicker(intervalCertRefreshCheck)
		defer ticker.Stop()
		for {
			select {
			case <-ctxRefresh.Done():
				return
			case <-ticker.C:
				s.certs.RefreshExpired()
			}
		}
	}()

	// Serve each route in its own goroutine, surfacing fatal listener errors
	chFatal := make(chan error, len(s.proxies))
	for _, proxy := range s.proxies {
		go func(p *RouteProxy) {
			errServe := p.Serve()
			if errServe != nil {
				chFatal <- fmt.Errorf("route '%s': %w", p.Addr(), errServe)
			}
		}(proxy)
	}

	// Wait for a shutdown request or a fatal listener error
	var errFatal error
	select {
	case <-ctx.Done():
		s.logger.Infof("PgGate shutdown requested.")
	case errFatal = <-chFatal:
		s.logger.Errorf("PgGate listener failed: %s.", errFatal)
	}

	// Stop all routes concurrently, granting in-flight connections the grace
	// period once rather than per route
	grace := s.config.ShutdownGraceDuration()
	wgStop := new(sync.WaitGroup)
	for _, proxy := range s.proxies {
		wgStop.Add(1)
		go func(p *RouteProxy) {
			defer wgStop.Done()
			p.Stop(grace)
		}(proxy)
	}
	wgStop.Wait()

	// Log shutdown
	s.logger.Infof("PgGate shut down.")
	return errFatal
}
