package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/kis-gateway/internal/config"
	"github.com/krobus00/kis-gateway/internal/constant"
	"github.com/krobus00/kis-gateway/internal/entity"
	grpcHandler "github.com/krobus00/kis-gateway/internal/handler/realtime/grpc"
	httpHandler "github.com/krobus00/kis-gateway/internal/handler/realtime/http"
	"github.com/krobus00/kis-gateway/internal/infrastructure"
	"github.com/krobus00/kis-gateway/internal/metrics"
	"github.com/krobus00/kis-gateway/internal/repository"
	"github.com/krobus00/kis-gateway/internal/service/codec"
	"github.com/krobus00/kis-gateway/internal/service/credential"
	"github.com/krobus00/kis-gateway/internal/service/gateway"
	"github.com/krobus00/kis-gateway/internal/service/publisher"
	"github.com/krobus00/kis-gateway/internal/service/quotation"
	"github.com/krobus00/kis-gateway/internal/service/registry"
	"github.com/krobus00/kis-gateway/internal/service/supervisor"
	"github.com/krobus00/kis-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

const seedSubscriberID = "boot-seed"

func StartKISGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	gatewayMetrics := metrics.NewGatewayMetrics(promRegistry)

	kisCfg := config.Env.KIS
	streamCfg := config.Env.Stream
	gatewayCfg := config.Env.Gateway
	kisHTTPClient := &http.Client{Timeout: kisCfg.HTTPTimeout}

	approvalProvider := credential.NewProvider(
		credential.NewApprovalIssuer(kisCfg.AuthBaseURL, kisCfg.AppKey, kisCfg.AppSecret, kisHTTPClient),
		credential.Config{
			Name:            "approval_key",
			Validity:        kisCfg.ApprovalValidity,
			SafetyMargin:    kisCfg.SafetyMargin,
			DevelopmentMode: kisCfg.DevelopmentMode,
		},
		gatewayMetrics,
	)
	approvalProvider.StartAutoRefresh(ctx)

	var fallback gateway.Fallback
	if kisCfg.RestBaseURL != "" && kisCfg.AppKey != "" {
		accessTokenProvider := credential.NewProvider(
			credential.NewAccessTokenIssuer(kisCfg.AuthBaseURL, kisCfg.AppKey, kisCfg.AppSecret, kisHTTPClient),
			credential.Config{
				Name:         "access_token",
				Validity:     kisCfg.TokenValidity,
				SafetyMargin: kisCfg.SafetyMargin,
			},
			gatewayMetrics,
		)
		fallback = quotation.NewClient(kisCfg.RestBaseURL, kisCfg.AppKey, kisCfg.AppSecret, accessTokenProvider, kisHTTPClient)
	}

	kisGateway := gateway.NewGateway(
		gateway.Config{
			ConnectTimeout:       gatewayCfg.ConnectTimeout,
			FirstTickWait:        gatewayCfg.FirstTickWait,
			FallbackTimeout:      gatewayCfg.FallbackTimeout,
			ClearCacheOnShutdown: gatewayCfg.ClearCacheOnShutdown,
			SubscriptionLimit:    gatewayCfg.SubscriptionLimit,
		},
		supervisor.Config{
			URL:                  kisCfg.WebsocketURL,
			HeartbeatInterval:    streamCfg.HeartbeatInterval,
			ReconnectMinDelay:    streamCfg.ReconnectMinDelay,
			ReconnectMaxDelay:    streamCfg.ReconnectMaxDelay,
			DialTimeout:          streamCfg.DialTimeout,
			MaxReconnectAttempts: streamCfg.MaxReconnectAttempts,
			ControlRate:          streamCfg.ControlRate,
			ControlBurst:         streamCfg.ControlBurst,
		},
		supervisor.NewWebsocketDialer(streamCfg.DialTimeout, streamCfg.WriteTimeout),
		approvalProvider,
		codec.NewDecoder(codec.CipherKey{Key: kisCfg.AESKey, IV: kisCfg.AESIV}),
		fallback,
		gatewayMetrics,
	)

	var nc *nats.Conn
	if config.Env.NatsJetstream.Enabled {
		var js nats.JetStreamContext
		var err error
		nc, js, err = infrastructure.NewJetstream(config.Env.NatsJetstream)
		util.ContinueOrFatal(err)

		marketPublisher := publisher.NewJetstreamPublisher(js, config.Env.NatsJetstream.MaxAge)
		publishers := []entity.Publisher{marketPublisher}
		for _, v := range publishers {
			util.ContinueOrFatal(v.JetstreamEventInit(ctx))
		}
		kisGateway.AddSink(marketPublisher, gatewayCfg.SinkBuffer)
	}

	var redisClient *redis.Client
	if redisCfg, ok := config.Env.Redis[constant.QuoteCacheRedis]; ok && redisCfg.CacheDSN != "" {
		var err error
		redisClient, err = infrastructure.NewRedisClient(ctx, redisCfg)
		util.ContinueOrFatal(err)

		snapshotRepo := repository.NewQuoteSnapshotRepository(redisClient, gatewayCfg.SnapshotTTL)
		kisGateway.AddSink(publisher.NewSnapshotMirror(snapshotRepo), gatewayCfg.SinkBuffer)
	}

	var marketDataDB *sqlx.DB
	if gatewayCfg.SeedFromDatabase {
		dbCfg := config.Env.Database[constant.MarketDataDatabase]
		var err error
		marketDataDB, err = infrastructure.NewPostgresConnection(ctx, dbCfg)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, marketDataDB, dbCfg.PingInterval)

		util.ContinueOrFatal(seedSubscriptions(ctx, kisGateway, repository.NewStreamSubscriptionRepository(marketDataDB)))
	}
	util.ContinueOrFatal(kisGateway.Connect())

	grpcServer := grpc.NewServer()
	healthServer := grpcHandler.NewHealthServer(kisGateway)
	healthServer.Register(grpcServer)
	go healthServer.Run(ctx, 0)

	if config.Env.Env == constant.DevelopmentEnvironment {
		reflection.Register(grpcServer)
	}

	grpcPort := fmt.Sprintf(":%s", config.Env.Port[constant.GRPCPort])
	lis, err := net.Listen("tcp", grpcPort)
	util.ContinueOrFatal(err)

	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("grpc server started on %s", grpcPort))

	httpMux := infrastructure.NewOpsMux(kisGateway.IsConnected, promRegistry)
	httpHandler.NewRealtimeHTTPHandler(kisGateway, approvalProvider).Register(httpMux)

	httpCfg := infrastructure.DefaultHTTPServerConfig()
	httpCfg.ShutdownTimeout = config.Env.GracefulShutdownTimeout
	httpServer := infrastructure.NewHTTPServerWithConfig(httpCfg, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpCfg.Addr))

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"grpc": func(ctx context.Context) error {
			grpcServer.GracefulStop()
			return nil
		},
		// sinks drain into nats and redis, so those close after the gateway
		"gateway": func(ctx context.Context) error {
			err := kisGateway.Shutdown(ctx)
			if closeErr := infrastructure.CloseJetstream(nc); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
			if redisClient != nil {
				err = errors.Join(err, redisClient.Close())
			}
			return err
		},
		"market data database": func(ctx context.Context) error {
			if marketDataDB == nil {
				return nil
			}
			return marketDataDB.Close()
		},
	})

	<-wait
}

type subscriptionSeeder interface {
	GetActive(ctx context.Context) ([]entity.StreamSubscription, error)
}

// seedSubscriptions registers the stored subscription list before the first
// connect so it is sent with the initial replay.
func seedSubscriptions(ctx context.Context, gw *gateway.Gateway, repo subscriptionSeeder) error {
	subscriptions, err := repo.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("load stream subscriptions: %w", err)
	}

	seed := registry.Subscriber{
		ID:     seedSubscriberID,
		Handle: func(context.Context, entity.Record) error { return nil },
	}
	for _, subscription := range subscriptions {
		if err := gw.Register(ctx, subscription.Key(), seed); err != nil {
			logrus.WithError(err).WithField("symbol", subscription.Symbol).Warn("skip stream subscription")
		}
	}

	logrus.WithField("subscriptions", len(subscriptions)).Info("stream subscriptions seeded")
	return nil
}
