package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/api"
	sc "github.com/gatehouse-io/gatehouse/clients"
	"github.com/gatehouse-io/gatehouse/events"
	"github.com/gatehouse-io/gatehouse/invitations"
	"github.com/gatehouse-io/gatehouse/queue"
	"github.com/gatehouse-io/gatehouse/templates"
)

var defaultStopTimeout = 60 * time.Second

type (
	//InboundConfig describes how to receive inbound communication
	InboundConfig struct {
		Protocol      string `default:"http"`
		ListenAddress string `split_words:"true" default:":9157"`
	}
)

func serviceConfigProvider() (InboundConfig, error) {
	var config InboundConfig
	err := envconfig.Process("service", &config)
	if err != nil {
		return InboundConfig{}, err
	}
	return config, nil
}

func serverProvider(config InboundConfig, rtr *mux.Router) *http.Server {
	return &http.Server{
		Addr:    config.ListenAddress,
		Handler: rtr,
	}
}

func dispatcherProvider(dispatcher *sc.Dispatcher) queue.Dispatcher {
	return dispatcher
}

func loggerProvider() (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	config.EncoderConfig.FunctionKey = "function"
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// InvocationParams are the parameters need to kick off a service
type InvocationParams struct {
	fx.In
	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     InboundConfig
	Server     *http.Server
	Worker     *queue.Worker
	Consumer   *events.Consumer
}

func startWorker(p InvocationParams) {
	workerCtx, cancel := context.WithCancel(context.Background())
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := p.Worker.Run(workerCtx); err != nil {
					log.Printf("Delivery worker error: %v", err)
					log.Printf("Shutting down the service")
					if shutdownErr := p.Shutdowner.Shutdown(); shutdownErr != nil {
						log.Printf("Failed to shutdown: %v", shutdownErr)
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}

func startEventConsumer(p InvocationParams) {
	consumerCtx, cancel := context.WithCancel(context.Background())
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := p.Consumer.Run(consumerCtx); err != nil {
					log.Printf("Unable to run the user events consumer: %v", err)
					log.Printf("Shutting down the service")
					if shutdownErr := p.Shutdowner.Shutdown(); shutdownErr != nil {
						log.Printf("Failed to shutdown: %v", shutdownErr)
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}

func startServer(p InvocationParams) {
	p.Lifecycle.Append(
		fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					if err := p.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Printf("Server error: %v", err)
						log.Printf("Shutting down the service")
						if shutdownErr := p.Shutdowner.Shutdown(); shutdownErr != nil {
							log.Printf("Failed to shutdown: %v", shutdownErr)
						}
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return p.Server.Shutdown(ctx)
			},
		},
	)
}

func main() {
	// missing .env is fine, the environment may be set directly
	_ = godotenv.Load()

	fx.New(
		sc.MongoModule,
		sc.NotifierModule,
		sc.GeoModule,
		queue.Module,
		templates.Module,
		invitations.Module,
		events.Module,
		api.RouterModule,
		fx.Provide(
			serviceConfigProvider,
			serverProvider,
			dispatcherProvider,
			loggerProvider,
			api.NewApi,
		),
		fx.Invoke(startWorker),
		fx.Invoke(startEventConsumer),
		fx.Invoke(startServer),
		fx.StopTimeout(defaultStopTimeout),
	).Run()
}
