// Package appconfig is the SDK entry point. An AppConfiguration connects to
// one service instance, keeps a collection/environment pair in sync and
// evaluates features and properties for entities.
//
//	ac := appconfig.New(appconfig.Settings{})
//	if err := ac.Init("us-south", guid, apikey); err != nil { ... }
//	if err := ac.SetContext("car-rentals", "dev"); err != nil { ... }
//	defer ac.Close()
//
//	f, err := ac.GetFeature("weekend-discount")
//	value := f.GetCurrentValue("user-42", map[string]any{"email": "x@in.ibm.com"})
package appconfig

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/internal/apperr"
	"github.com/TimurManjosov/appconfig/internal/cache"
	"github.com/TimurManjosov/appconfig/internal/config"
	"github.com/TimurManjosov/appconfig/internal/connectivity"
	"github.com/TimurManjosov/appconfig/internal/coordinator"
	"github.com/TimurManjosov/appconfig/internal/metering"
	"github.com/TimurManjosov/appconfig/internal/telemetry"
	"github.com/TimurManjosov/appconfig/internal/transport"
)

// Error categories. Use errors.Is to test returned errors.
var (
	ErrConfiguration    = apperr.ErrConfiguration
	ErrNotFound         = apperr.ErrNotFound
	ErrTransientNetwork = apperr.ErrTransientNetwork
	ErrPermanentRequest = apperr.ErrPermanentRequest
)

// Settings tune timers and ambient dependencies. Zero values use the defaults.
type Settings struct {
	FetchRetryInterval time.Duration
	SocketRetryDelay   time.Duration
	HTTPTimeout        time.Duration

	ProbeAddr     string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// DisableConnectivityProbe assumes the network is always reachable.
	DisableConnectivityProbe bool

	MeteringInterval   time.Duration
	MeteringRetryDelay time.Duration
	MeteringBatchLimit int

	RolloutSalt string

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// ContextOptions configure SetContext.
type ContextOptions struct {
	// BootstrapFile is a configuration document loaded before any fetch.
	BootstrapFile string
	// PersistentCacheDir keeps the last fetched document across restarts.
	PersistentCacheDir string
	// LiveUpdates keeps the configuration in sync with the service. When
	// false the bootstrap file is the only source and is required.
	LiveUpdates bool
}

// session is the state created by one SetContext call.
type session struct {
	guid          string
	collectionID  string
	environmentID string
	cache         *cache.Cache
	coord         *coordinator.Coordinator
}

// AppConfiguration is safe for concurrent use once SetContext has returned.
type AppConfiguration struct {
	settings Settings
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu                 sync.Mutex
	region, guid, key  string
	serviceURL, iamURL string
	private            bool
	initialized        bool
	client             *transport.Client
	endpoints          transport.Endpoints
	listener           func()

	// meterBase and meterClient are what the current meter sends with.
	meterBase   string
	meterClient *transport.Client
	retired     conc.WaitGroup

	meter   atomic.Pointer[metering.Meter]
	current atomic.Pointer[session]
}

// New creates an unconfigured AppConfiguration.
func New(settings Settings) *AppConfiguration {
	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppConfiguration{
		settings: settings,
		logger:   logger.Named("appconfig"),
		metrics:  settings.Metrics,
	}
}

// OverrideServiceURL points the SDK at a non-production host. Call before Init.
func (a *AppConfiguration) OverrideServiceURL(url string) {
	a.mu.Lock()
	a.serviceURL = url
	a.mu.Unlock()
}

// OverrideIAMURL replaces the IAM token endpoint host. Call before Init.
func (a *AppConfiguration) OverrideIAMURL(url string) {
	a.mu.Lock()
	a.iamURL = url
	a.mu.Unlock()
}

// UsePrivateEndpoint routes requests through private endpoints. Call before Init.
func (a *AppConfiguration) UsePrivateEndpoint(enabled bool) {
	a.mu.Lock()
	a.private = enabled
	a.mu.Unlock()
}

// Init records the service instance credentials.
func (a *AppConfiguration) Init(region, guid, apikey string) error {
	cfg := config.Config{Region: region, GUID: guid, APIKey: apikey}
	a.mu.Lock()
	cfg.ServiceURL = a.serviceURL
	a.mu.Unlock()
	if err := cfg.ValidateInstance(); err != nil {
		a.logger.Error("init failed", zap.Error(err))
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.region, a.guid, a.key = region, guid, apikey
	a.initialized = true
	return nil
}

// SetContext selects the collection and environment and loads their
// configuration. Local sources are loaded before SetContext returns; with
// live updates the network sync continues in the background. Calling
// SetContext again replaces the previous context.
//
// Without options live updates are enabled and no local files are used.
func (a *AppConfiguration) SetContext(collectionID, environmentID string, opts ...ContextOptions) error {
	o := ContextOptions{LiveUpdates: true}
	if len(opts) > 0 {
		o = opts[0]
	}
	if collectionID == "" {
		return a.fail(config.ValidationError{Field: "COLLECTION_ID", Message: "collection id is required"})
	}
	if environmentID == "" {
		return a.fail(config.ValidationError{Field: "ENVIRONMENT_ID", Message: "environment id is required"})
	}
	if !o.LiveUpdates && o.BootstrapFile == "" {
		return a.fail(config.ValidationError{Field: "BOOTSTRAP_FILE", Message: "a bootstrap file is required when live updates are disabled"})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return a.fail(fmt.Errorf("%w: Init must be called before SetContext", apperr.ErrConfiguration))
	}

	eps, err := transport.BuildEndpoints(transport.EndpointOptions{
		Region:             a.region,
		GUID:               a.guid,
		CollectionID:       collectionID,
		EnvironmentID:      environmentID,
		OverrideServiceURL: a.serviceURL,
		UsePrivateEndpoint: a.private,
	})
	if err != nil {
		return a.fail(fmt.Errorf("%w: %v", apperr.ErrConfiguration, err))
	}
	if a.iamURL != "" {
		eps.IAM = a.iamURL
	}
	if a.client == nil || a.endpoints.IAM != eps.IAM {
		tokens := transport.NewIAMTokenSource(eps.IAM, a.key, nil)
		a.client = transport.NewClient(tokens, a.settings.HTTPTimeout)
	}
	a.endpoints = eps

	if a.meter.Load() == nil || a.meterBase != eps.Base || a.meterClient != a.client {
		m := metering.New(metering.Options{
			Sender:     a.client,
			BaseURL:    eps.Base,
			Interval:   a.settings.MeteringInterval,
			RetryDelay: a.settings.MeteringRetryDelay,
			BatchLimit: a.settings.MeteringBatchLimit,
			Logger:     a.logger,
			Metrics:    a.metrics,
		})
		m.Start()
		a.meterBase, a.meterClient = eps.Base, a.client
		if old := a.meter.Swap(m); old != nil {
			// Usage recorded so far goes to the service it was evaluated against.
			a.retired.Go(func() {
				if err := old.Close(); err != nil {
					a.logger.Warn("flush usage of previous context failed", zap.Error(err))
				}
			})
		}
	}

	if prev := a.current.Load(); prev != nil {
		prev.coord.Stop()
	}

	c := cache.New(cache.Options{
		BootstrapFile:      o.BootstrapFile,
		PersistentCacheDir: o.PersistentCacheDir,
		LiveUpdates:        o.LiveUpdates,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})
	c.SetUpdateListener(a.listener)

	var prober *connectivity.Prober
	if o.LiveUpdates && !a.settings.DisableConnectivityProbe {
		prober = connectivity.NewProber(a.settings.ProbeAddr, a.settings.ProbeTimeout, a.settings.ProbeInterval, a.logger)
	}
	coord := coordinator.New(coordinator.Options{
		Cache:              c,
		Client:             a.client,
		Endpoints:          eps,
		LiveUpdates:        o.LiveUpdates,
		BootstrapFile:      o.BootstrapFile,
		FetchRetryInterval: a.settings.FetchRetryInterval,
		SocketRetryDelay:   a.settings.SocketRetryDelay,
		Prober:             prober,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})
	if err := coord.Start(); err != nil {
		a.current.Store(nil)
		return a.fail(err)
	}
	a.current.Store(&session{guid: a.guid, collectionID: collectionID, environmentID: environmentID, cache: c, coord: coord})
	a.logger.Info("context set",
		zap.String("collection_id", collectionID),
		zap.String("environment_id", environmentID),
		zap.Bool("live_updates", o.LiveUpdates))
	return nil
}

func (a *AppConfiguration) fail(err error) error {
	a.logger.Error("set context failed", zap.Error(err))
	return err
}

func (a *AppConfiguration) session() (*session, error) {
	s := a.current.Load()
	if s == nil {
		return nil, fmt.Errorf("%w: SetContext has not completed", apperr.ErrConfiguration)
	}
	return s, nil
}

// FetchConfigurations fetches the configuration now instead of waiting for
// a push notification.
func (a *AppConfiguration) FetchConfigurations(ctx context.Context) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	return s.coord.Refresh(ctx)
}

// RegisterConfigurationUpdateListener sets fn to run after every reload
// caused by the service or, without live updates, by a bootstrap file
// change. A later call replaces the listener; it survives SetContext.
func (a *AppConfiguration) RegisterConfigurationUpdateListener(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = fn
	if s := a.current.Load(); s != nil {
		s.cache.SetUpdateListener(fn)
	}
}

// Subscribe delivers a version tag whenever the cached configuration
// changes. Call the returned function to unsubscribe.
func (a *AppConfiguration) Subscribe() (<-chan string, func(), error) {
	s, err := a.session()
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.cache.Subscribe()
	return ch, cancel, nil
}

// GetFeature returns the feature with id.
func (a *AppConfiguration) GetFeature(id string) (*Feature, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	f, err := s.cache.Feature(id)
	if err != nil {
		a.logger.Error("get feature failed", zap.String("feature_id", id), zap.Error(err))
		return nil, err
	}
	return &Feature{app: a, sess: s, def: f}, nil
}

// GetFeatures returns every feature keyed by id.
func (a *AppConfiguration) GetFeatures() (map[string]*Feature, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	defs := s.cache.Features()
	out := make(map[string]*Feature, len(defs))
	for id, f := range defs {
		out[id] = &Feature{app: a, sess: s, def: f}
	}
	return out, nil
}

// GetProperty returns the property with id.
func (a *AppConfiguration) GetProperty(id string) (*Property, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	p, err := s.cache.Property(id)
	if err != nil {
		a.logger.Error("get property failed", zap.String("property_id", id), zap.Error(err))
		return nil, err
	}
	return &Property{app: a, sess: s, def: p}, nil
}

// GetProperties returns every property keyed by id.
func (a *AppConfiguration) GetProperties() (map[string]*Property, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	defs := s.cache.Properties()
	out := make(map[string]*Property, len(defs))
	for id, p := range defs {
		out[id] = &Property{app: a, sess: s, def: p}
	}
	return out, nil
}

// Close stops the background sync and flushes pending usage. Evaluations
// keep working against the last configuration.
func (a *AppConfiguration) Close() error {
	if s := a.current.Load(); s != nil {
		s.coord.Stop()
	}
	var err error
	if meter := a.meter.Swap(nil); meter != nil {
		err = meter.Close()
	}
	a.retired.Wait()
	return err
}

func (a *AppConfiguration) record(s *session, kind metering.Kind, itemID, entityID, segmentID string) {
	meter := a.meter.Load()
	if meter == nil {
		return
	}
	meter.Record(metering.Key{
		Tenant:      s.guid,
		Environment: s.environmentID,
		Collection:  s.collectionID,
		Kind:        kind,
		ItemID:      itemID,
		EntityID:    entityID,
		SegmentID:   segmentID,
	})
}
