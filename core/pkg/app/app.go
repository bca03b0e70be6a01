// Package app is the registration surface of the bus. A fluent configurator
// records consumers, sagas, activities and endpoint options into in-memory
// maps; Start consumes them once to declare topology and attach the consumer
// pipelines, after which the registration is read-only.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/caravan-bus/caravan/core/pkg/pipeline"
	"github.com/caravan-bus/caravan/core/pkg/retry"
	"github.com/caravan-bus/caravan/core/pkg/routingslip"
	"github.com/caravan-bus/caravan/core/pkg/saga"
)

// DefaultRequestTimeout bounds request/reply round trips.
const DefaultRequestTimeout = 10 * time.Second

// RoutingSlipOptions configures the routing slip module.
type RoutingSlipOptions struct {
	// ExecutionMode is routingslip.ModeInProcess (default) or
	// routingslip.ModeDistributed.
	ExecutionMode string

	// QueuePrefix namespaces the per-activity queues in distributed mode.
	QueuePrefix string

	// AutoProvisionQueues declares and consumes the execute/compensate
	// queue pair for every registered activity at startup.
	AutoProvisionQueues bool

	// RequestTimeout bounds each distributed activity round trip.
	RequestTimeout time.Duration
}

type sagaRegistration struct {
	machine *saga.Machine
	repo    saga.Repository
	queue   string
}

// EndpointConfig is the per-queue configuration surface handed to
// ReceiveEndpoint callbacks.
type EndpointConfig struct {
	app      *App
	queue    string
	endpoint pipeline.Endpoint
}

// PrefetchCount sets the consumer prefetch for the endpoint.
func (e *EndpointConfig) PrefetchCount(n int) *EndpointConfig {
	e.endpoint.Prefetch = n
	return e
}

// UseMessageRetry sets the level-1 in-memory retry strategy.
func (e *EndpointConfig) UseMessageRetry(s retry.Strategy) *EndpointConfig {
	e.endpoint.Retry = s
	return e
}

// UseDelayedRedelivery sets the level-2 broker-delayed redelivery strategy.
func (e *EndpointConfig) UseDelayedRedelivery(s retry.Strategy) *EndpointConfig {
	e.endpoint.Redelivery = s
	return e
}

// PurgeOnStartup drains the queue before the consumer attaches.
func (e *EndpointConfig) PurgeOnStartup() *EndpointConfig {
	e.endpoint.PurgeOnStartup = true
	return e
}

// Consumer binds a handler for a message type to this endpoint.
func (e *EndpointConfig) Consumer(typeName string, h pipeline.Handler) *EndpointConfig {
	e.app.bindConsumer(e.queue, typeName, h)
	return e
}

// App records the application's registrations and drives the runtime.
type App struct {
	cluster   string
	transport contracts.Transport
	validator contracts.Validator
	logger    contracts.Logger

	requestTimeout time.Duration

	// Registration maps, written before Start and read-only afterwards.
	endpoints          map[string]*EndpointConfig
	consumers          map[string]map[string]pipeline.Handler // queue -> type -> handler
	messagesToEndpoint map[string]string                      // type -> queue
	directConsumers    map[string]map[string]pipeline.Handler // queue-addressed, no type exchange
	sagas              []*sagaRegistration
	activities         *routingslip.Registry
	rsOptions          RoutingSlipOptions

	pipelines map[string]*pipeline.Pipeline
	started   bool
	defErr    error
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the application logger.
func WithLogger(l contracts.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithValidator sets the payload validator run by every pipeline.
func WithValidator(v contracts.Validator) Option {
	return func(a *App) { a.validator = v }
}

// WithRequestTimeout overrides the request/reply timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(a *App) { a.requestTimeout = d }
}

// New creates an application bound to a cluster namespace and a transport.
func New(cluster string, transport contracts.Transport, opts ...Option) *App {
	a := &App{
		cluster:            cluster,
		transport:          transport,
		logger:             contracts.NopLogger(),
		requestTimeout:     DefaultRequestTimeout,
		endpoints:          make(map[string]*EndpointConfig),
		consumers:          make(map[string]map[string]pipeline.Handler),
		messagesToEndpoint: make(map[string]string),
		directConsumers:    make(map[string]map[string]pipeline.Handler),
		activities:         routingslip.NewRegistry(),
		rsOptions:          RoutingSlipOptions{ExecutionMode: routingslip.ModeInProcess},
		pipelines:          make(map[string]*pipeline.Pipeline),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("app").WithFields("cluster", cluster)
	return a
}

// Cluster returns the namespace every exchange and queue is prefixed with.
func (a *App) Cluster() string { return a.cluster }

// ReceiveEndpoint declares a queue and configures it through the callback.
// Calling it again for the same queue reconfigures the existing endpoint.
func (a *App) ReceiveEndpoint(queue string, configure func(*EndpointConfig)) *App {
	e, ok := a.endpoints[queue]
	if !ok {
		e = &EndpointConfig{app: a, queue: queue, endpoint: pipeline.Endpoint{Queue: queue}}
		a.endpoints[queue] = e
	}
	if configure != nil {
		configure(e)
	}
	return a
}

// AddConsumer binds a handler for a message type to a queue, declaring the
// endpoint with defaults when it does not exist yet.
func (a *App) AddConsumer(queue, typeName string, h pipeline.Handler) *App {
	a.ReceiveEndpoint(queue, nil)
	a.bindConsumer(queue, typeName, h)
	return a
}

func (a *App) bindConsumer(queue, typeName string, h pipeline.Handler) {
	if bound, ok := a.messagesToEndpoint[typeName]; ok && bound != queue {
		a.fail(fmt.Errorf("app: message type %s already bound to endpoint %s", typeName, bound))
		return
	}
	byType, ok := a.consumers[queue]
	if !ok {
		byType = make(map[string]pipeline.Handler)
		a.consumers[queue] = byType
	}
	if _, dup := byType[typeName]; dup {
		a.fail(fmt.Errorf("app: consumer for %s already registered on %s", typeName, queue))
		return
	}
	byType[typeName] = h
	a.messagesToEndpoint[typeName] = queue
}

// bindDirectConsumer registers a queue-addressed handler. The type stays out
// of messagesToEndpoint and gets no fanout exchange: deliveries arrive only
// through SendToQueue or Request, so the same type can serve many queues.
func (a *App) bindDirectConsumer(queue, typeName string, h pipeline.Handler) {
	byType, ok := a.directConsumers[queue]
	if !ok {
		byType = make(map[string]pipeline.Handler)
		a.directConsumers[queue] = byType
	}
	if _, dup := byType[typeName]; dup {
		a.fail(fmt.Errorf("app: consumer for %s already registered on %s", typeName, queue))
		return
	}
	byType[typeName] = h
}

// AddSagaStateMachine registers a machine with its repository. Every declared
// event of the machine is consumed on the given queue, so all events of one
// instance arrive in order.
func (a *App) AddSagaStateMachine(m *saga.Machine, repo saga.Repository, queue string) *App {
	a.ReceiveEndpoint(queue, nil)
	a.sagas = append(a.sagas, &sagaRegistration{machine: m, repo: repo, queue: queue})
	return a
}

// AddActivity registers a routing slip activity.
func (a *App) AddActivity(name string, act routingslip.Activity) *App {
	if err := a.activities.Add(name, act); err != nil {
		a.fail(err)
	}
	return a
}

// ConfigureRoutingSlips sets the routing slip module options.
func (a *App) ConfigureRoutingSlips(opts RoutingSlipOptions) *App {
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = routingslip.ModeInProcess
	}
	a.rsOptions = opts
	return a
}

func (a *App) fail(err error) {
	if a.defErr == nil {
		a.defErr = err
	}
}

// Start connects the transport, declares the registered topology and attaches
// one consumer pipeline per endpoint. The registration maps are frozen from
// here on.
func (a *App) Start(ctx context.Context) error {
	if a.defErr != nil {
		return a.defErr
	}
	if a.started {
		return fmt.Errorf("app: already started")
	}

	if err := a.wireSagas(); err != nil {
		return err
	}
	a.wireActivityHosts()
	if a.defErr != nil {
		return a.defErr
	}

	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect %s: %w", a.transport.Name(), err)
	}

	if err := a.transport.DeclareTopology(ctx, a.buildTopology()); err != nil {
		return fmt.Errorf("app: declare topology: %w", err)
	}

	for queue, e := range a.endpoints {
		qualified := contracts.QualifiedName(a.cluster, queue)

		if e.endpoint.PurgeOnStartup {
			if err := a.transport.Purge(ctx, qualified); err != nil {
				return fmt.Errorf("app: purge %s: %w", qualified, err)
			}
		}

		ep := e.endpoint
		ep.Queue = qualified
		p := pipeline.New(ep, a.cluster, a.transport, a.validator, a.logger)
		for typeName, h := range a.consumers[queue] {
			if err := p.AddHandler(typeName, h); err != nil {
				return err
			}
		}
		for typeName, h := range a.directConsumers[queue] {
			if err := p.AddHandler(typeName, h); err != nil {
				return err
			}
		}
		a.pipelines[qualified] = p

		if err := a.transport.Subscribe(ctx, qualified, ep.Prefetch, p.Handle); err != nil {
			return fmt.Errorf("app: subscribe %s: %w", qualified, err)
		}
	}

	a.started = true
	a.logger.Info("bus started",
		"transport", a.transport.Name(),
		"endpoints", len(a.endpoints),
		"sagas", len(a.sagas),
		"activities", len(a.activities.Names()))
	return nil
}

// wireSagas compiles each machine and binds its event handlers to its queue.
func (a *App) wireSagas() error {
	for _, reg := range a.sagas {
		x, err := saga.NewExecutor(reg.machine, reg.repo, a, a.logger)
		if err != nil {
			return err
		}
		for _, eventName := range reg.machine.EventNames() {
			h, err := x.HandlerFor(eventName)
			if err != nil {
				return err
			}
			a.bindConsumer(reg.queue, eventName, h)
			if a.defErr != nil {
				return a.defErr
			}
		}
	}
	return nil
}

// wireActivityHosts declares the per-activity queue pairs and their host
// handlers when the routing slip module runs distributed.
func (a *App) wireActivityHosts() {
	if a.rsOptions.ExecutionMode != routingslip.ModeDistributed || !a.rsOptions.AutoProvisionQueues {
		return
	}
	host := routingslip.NewHost(a.activities, a.logger)
	for _, name := range a.activities.Names() {
		execQueue := routingslip.ExecuteQueueName(a.rsOptions.QueuePrefix, name)
		compQueue := routingslip.CompensateQueueName(a.rsOptions.QueuePrefix, name)
		a.ReceiveEndpoint(execQueue, nil)
		a.bindDirectConsumer(execQueue, "ActivityExecute", host.ExecuteHandler(name))
		a.ReceiveEndpoint(compQueue, nil)
		a.bindDirectConsumer(compQueue, "ActivityCompensate", host.CompensateHandler(name))
	}
}

// buildTopology derives the broker state from the registration maps: one
// fanout exchange per message type, one queue per endpoint, bindings between
// them, and redelivery/error plumbing where configured.
func (a *App) buildTopology() *contracts.Topology {
	top := &contracts.Topology{}
	declared := make(map[string]bool)

	for queue, e := range a.endpoints {
		qualified := contracts.QualifiedName(a.cluster, queue)
		top.Queues = append(top.Queues, contracts.Queue{
			Name:           qualified,
			Durable:        true,
			WithRedelivery: e.endpoint.Redelivery != nil,
			WithErrorQueue: true,
		})
		for typeName := range a.consumers[queue] {
			exchange := contracts.QualifiedName(a.cluster, typeName)
			if !declared[exchange] {
				declared[exchange] = true
				top.Exchanges = append(top.Exchanges, contracts.Exchange{
					Name: exchange,
					Kind: contracts.ExchangeFanout,
				})
			}
			top.Bindings = append(top.Bindings, contracts.Binding{
				Exchange: exchange,
				Queue:    qualified,
			})
		}
	}
	return top
}

// Stop detaches all consumers and closes the transport. Unacked in-flight
// deliveries are redelivered by the broker on the next start.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	for qualified := range a.pipelines {
		if err := a.transport.Unsubscribe(qualified); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.transport.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.started = false
	a.logger.Info("bus stopped")
	return firstErr
}

// Run starts the bus and blocks until the context is cancelled or an
// interrupt arrives, then stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
	case s := <-sig:
		a.logger.Info("shutdown signal received", "signal", s.String())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}
