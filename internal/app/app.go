package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chulah/checkout/internal/cms"
	"chulah/checkout/internal/config"
	"chulah/checkout/internal/httpapi"
	"chulah/checkout/internal/lookup"
	"chulah/checkout/internal/memstore"
	"chulah/checkout/internal/menu"
	"chulah/checkout/internal/metrics"
	"chulah/checkout/internal/order"
	"chulah/checkout/internal/provider"
	"chulah/checkout/internal/storage"
	"chulah/checkout/internal/webhook"
	"chulah/checkout/internal/websocket"
	"chulah/checkout/pkg/contracts"
	"chulah/checkout/pkg/messaging"

	"github.com/rabbitmq/amqp091-go"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	orderSvc  *order.Service
	wsHub     *websocket.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	catalog, err := menu.Load(cfg.MenuPath)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, wsHub: websocket.NewHub()}

	repo, err := a.openRepository(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.RabbitURL != "" {
		publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.OrdersExchange)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.publisher = publisher

		consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.OrdersExchange, cfg.EventsQueue, logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.consumer = consumer

		if a.store != nil {
			a.outbox = messaging.NewOutboxDispatcher(a.store.Pool(), publisher, messaging.OutboxOptions{
				Interval:    cfg.OutboxInterval,
				BatchSize:   cfg.OutboxBatchSize,
				MaxAttempts: cfg.OutboxMaxAttempts,
				Retention:   cfg.OutboxRetention,
			}, logger)
		}
	}

	// With an outbox the status events are already durable; otherwise publish
	// straight from the service.
	var notifier order.Notifier
	if a.outbox == nil {
		notifier = newEventNotifier(a.publisher, a.wsHub, logger)
	}

	providerClient := provider.New(provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		AccessToken: cfg.Provider.AccessToken,
		APIVersion:  cfg.Provider.APIVersion,
		LocationID:  cfg.Provider.LocationID,
		Timeout:     cfg.Provider.Timeout,
	})

	a.orderSvc = order.NewService(repo, providerClient, catalog, notifier, order.Options{
		RedirectURL: cfg.RedirectURL,
		StoreName:   cfg.StoreName,
	}, logger)

	if cfg.Webhook.SigningSecret == "" {
		logger.Warn("webhook signing secret not set, all webhook deliveries will be rejected")
	}
	verifier := webhook.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.NotificationURL)

	wsHandler := websocket.NewHandler(a.wsHub, a.orderSvc, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Orders:         a.orderSvc,
		Lookup:         lookup.NewChain(a.orderSvc, providerClient, logger),
		Webhooks:       webhook.NewReconciler(verifier, a.orderSvc, logger),
		Live:           wsHandler.ServeWS,
		Metrics:        metrics.NewServerMetrics(nil),
		Ready:          a.ready,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}
	return a, nil
}

func (a *App) openRepository(ctx context.Context) (order.Repository, error) {
	switch a.cfg.OrderStore {
	case config.StorePostgres:
		var opts []storage.Option
		if a.cfg.RabbitURL == "" {
			// Nothing would dispatch the outbox; the notifier feeds the local hub instead.
			opts = append(opts, storage.WithoutOutbox())
		}
		store, err := storage.New(ctx, a.cfg.DatabaseURL, opts...)
		if err != nil {
			return nil, err
		}
		a.store = store
		return store, nil
	case config.StoreCMS:
		if a.cfg.CMS.Endpoint == "" {
			return nil, errors.New("CHECKOUT_CMS_ENDPOINT is required for the cms order store")
		}
		a.logger.Warn("cms order store serializes payment writes per process only; run a single replica")
		return cms.New(cms.Config{
			Endpoint: a.cfg.CMS.Endpoint,
			Token:    a.cfg.CMS.Token,
			Timeout:  a.cfg.CMS.Timeout,
		}), nil
	case config.StoreMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown order store %q", a.cfg.OrderStore)
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.Ping(ctx)
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	go a.wsHub.Run(ctx)

	if a.consumer != nil {
		go func() {
			errCh <- a.consumer.Start(ctx, a.handleOrderEvent)
		}()
	}

	go func() {
		a.logger.Info("checkout http server listening", "addr", a.cfg.HTTPAddr, "order_store", a.cfg.OrderStore)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(shutdownCtx)
	}
	if a.consumer != nil {
		a.consumer.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// handleOrderEvent pushes status changes from any replica to this replica's sockets.
func (a *App) handleOrderEvent(_ context.Context, msg amqp091.Delivery) error {
	if msg.Type != contracts.EventOrderStatusChanged {
		return nil
	}

	var evt contracts.OrderStatusChangedEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	if evt.OrderID == "" {
		return fmt.Errorf("%s without order_id", msg.Type)
	}

	a.wsHub.Broadcast(websocket.UpdateFromEvent(evt))
	return nil
}

func Run() error {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(context.Background())

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}
