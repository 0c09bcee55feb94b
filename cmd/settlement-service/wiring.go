// cmd/settlement-service/wiring.go
package main

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nexus-settlement/internal/pkg/bootstrap"
	"nexus-settlement/internal/pkg/httpclient"
	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/pkg/mq"
	"nexus-settlement/internal/pkg/nacos"
	"nexus-settlement/internal/pkg/redis"
	"nexus-settlement/internal/service/settlement/application"
	"nexus-settlement/internal/service/settlement/calculator"
	"nexus-settlement/internal/service/settlement/domain/port"
	"nexus-settlement/internal/service/settlement/governor"
	"nexus-settlement/internal/service/settlement/infrastructure"
	"nexus-settlement/internal/service/settlement/infrastructure/adapter"
	"nexus-settlement/internal/service/settlement/infrastructure/ledger"
	"nexus-settlement/internal/service/settlement/interfaces"
	"nexus-settlement/internal/zookeeper"
)

// closers 按注册的逆序执行，保证先停入口再关依赖。
type closers []func(ctx context.Context)

func (c *closers) add(fn func(ctx context.Context)) {
	*c = append(*c, fn)
}

func (c closers) run(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i](ctx)
	}
}

// setup 创建并组装结算服务的全部依赖。
func setup(app bootstrap.AppCtx) (_ http.Handler, _ func(ctx context.Context), err error) {
	var cleanup closers
	defer func() {
		// 组装失败时释放已经打开的资源
		if err != nil {
			cleanup.run(context.Background())
		}
	}()

	cfg, err := loadSettlementConfig()
	if err != nil {
		return nil, nil, err
	}
	infra := app.Config.Infra
	brokers := infra.Kafka.Brokers

	// 1. 存储
	db, err := openStore(infra.MySQL, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	cleanup.add(func(context.Context) {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	orders := infrastructure.NewGormOrderRepository(db)
	catalog := infrastructure.NewGormCatalog(db)

	// 2. 运维告警：Kafka 主题 + WebSocket 推送
	hub := interfaces.NewAlertHub()
	go hub.Run(app.Ctx)
	alertWriter := mq.NewKafkaWriter(brokers, cfg.Topics.Alerts)
	cleanup.add(closeWriter(alertWriter))
	alerts := adapter.MultiAlertPublisher{adapter.NewAlertKafkaAdapter(alertWriter), hub}

	// 3. 限流与预算
	gov, err := governor.New(cfg.Governor,
		governor.WithBudgetStore(infrastructure.NewGormBudgetStore(db)),
		governor.WithAlerts(alerts),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := gov.Restore(app.Ctx); err != nil {
		return nil, nil, errors.Wrap(err, "restore governor budgets")
	}
	gov.Start(app.Ctx)
	cleanup.add(func(context.Context) { gov.Stop() })

	// 4. 幂等账本
	led, err := openLedger(infra, cfg.Ledger, db, &cleanup)
	if err != nil {
		return nil, nil, err
	}

	calc, err := calculator.New(cfg.Calculator.toCalculator())
	if err != nil {
		return nil, nil, err
	}

	// 5. 出站依赖：服务名通过 Nacos 解析
	httpClient := httpclient.NewClient(app.Tracer, resolverFor(app.Nacos))
	resendWriter := mq.NewKafkaWriter(brokers, cfg.Topics.Resend)
	cleanup.add(closeWriter(resendWriter))

	dispatcher := application.NewDispatcher(cfg.Dispatcher, app.Tracer, application.DispatcherDeps{
		Orders:      orders,
		Log:         orders,
		Affiliates:  catalog,
		Content:     adapter.NewContentHTTPAdapter(httpClient, cfg.Outbound.Renderer),
		Mail:        adapter.NewMailHTTPAdapter(httpClient, cfg.Outbound.MailRelay, cfg.Outbound.MailFrom),
		Governor:    gov,
		ResendQueue: adapter.NewResendKafkaAdapter(resendWriter),
	})
	gateway := application.NewGateway(cfg.Gateway, app.Tracer, application.GatewayDeps{
		Governor:   gov,
		Ledger:     led,
		Affiliates: catalog,
		Campaigns:  catalog,
		Calculator: calc,
		Dispatcher: dispatcher,
		Orders:     orders,
		Alerts:     alerts,
		Lookup:     adapter.NewLookupHTTPAdapter(httpClient, cfg.Outbound.PaymentLookup),
	})

	// 6. 卡单恢复：多实例时由 ZooKeeper 锁保证同一时刻只有一个实例扫描
	locker, err := openLocker(infra.Zookeeper, &cleanup)
	if err != nil {
		return nil, nil, err
	}
	sweeper := application.NewSweeper(cfg.Ledger.SweeperConfig, led, gateway, locker, alerts)
	sweeper.Start(app.Ctx)
	cleanup.add(func(context.Context) { sweeper.Stop() })

	// 7. Kafka 消费者
	if cfg.Topics.ConsumersEnabled {
		startConsumers(app.Ctx, brokers, cfg.Topics, gateway, dispatcher, resendWriter, &cleanup)
	}

	handler := &interfaces.SettlementHandler{
		Gateway:  gateway,
		Resender: dispatcher,
		Sweeper:  sweeper,
		Ledger:   led,
		Orders:   orders,
		Governor: gov,
		Alerts:   hub,
		Limiter:  interfaces.NewClientLimiter(cfg.Ingress.PerSecond, cfg.Ingress.Burst, cfg.Ingress.IdleTTL),
	}
	logger.Ctx(app.Ctx).Info().
		Str("ledger", cfg.Ledger.Backend).
		Str("store", cfg.Store.Driver).
		Bool("consumers", cfg.Topics.ConsumersEnabled).
		Msg("✅ settlement service assembled")
	return handler.Routes(), cleanup.run, nil
}

func openStore(mysqlCfg bootstrap.MySQLConfig, store storeConfig) (*gorm.DB, error) {
	if store.Driver == storeSQLite {
		return infrastructure.OpenSQLite(store.SQLitePath, gormlogger.Warn)
	}
	return infrastructure.OpenMySQL(infrastructure.MySQLConfig{
		Addr:            mysqlCfg.Addr,
		User:            mysqlCfg.User,
		Password:        mysqlCfg.Password,
		Database:        mysqlCfg.Database,
		MaxOpenConns:    mysqlCfg.MaxOpenConns,
		MaxIdleConns:    mysqlCfg.MaxIdleConns,
		ConnMaxLifetime: mysqlCfg.ConnMaxLifetime,
		AutoMigrate:     mysqlCfg.AutoMigrate,
	})
}

func openLedger(infra bootstrap.InfraConfig, cfg ledgerConfig, db *gorm.DB, cleanup *closers) (port.Ledger, error) {
	opts := []ledger.Option{ledger.WithBatchSize(cfg.BatchSize)}
	switch cfg.Backend {
	case ledgerRedis:
		client, err := redis.NewClient(infra.Redis.Addrs, infra.Redis.Password)
		if err != nil {
			return nil, err
		}
		cleanup.add(func(context.Context) { _ = client.Close() })
		return ledger.NewRedisLedger(client, cfg.KeyPrefix, cfg.Retention, opts...)
	case ledgerMySQL:
		return ledger.NewGormLedger(db, opts...), nil
	default:
		logger.Ctx(context.Background()).Warn().Msg("⚠️ using the in-memory ledger, idempotency is per process")
		return ledger.NewMemoryLedger(opts...), nil
	}
}

// openLocker 没有配置 ZooKeeper 时返回 nil，Sweeper 退化为单实例模式。
func openLocker(cfg bootstrap.ZookeeperConfig, cleanup *closers) (port.Locker, error) {
	if len(cfg.Servers) == 0 {
		return nil, nil
	}
	conn, err := zookeeper.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		return nil, err
	}
	cleanup.add(func(context.Context) { conn.Close() })
	return zookeeper.NewLocker(conn), nil
}

func resolverFor(client *nacos.Client) httpclient.Resolver {
	if client == nil {
		return nil
	}
	return client
}

func startConsumers(
	ctx context.Context,
	brokers []string,
	topics topicsConfig,
	gateway interfaces.CompletionGateway,
	resender interfaces.Resender,
	resendWriter mq.MessageWriter,
	cleanup *closers,
) {
	retryWriter := mq.NewKafkaWriter(brokers, topics.CompletionRetry)
	dltWriter := mq.NewKafkaWriter(brokers, topics.CompletionDLT)
	resendDLTWriter := mq.NewKafkaWriter(brokers, topics.ResendDLT)
	cleanup.add(closeWriter(retryWriter))
	cleanup.add(closeWriter(dltWriter))
	cleanup.add(closeWriter(resendDLTWriter))

	completionFailures := mq.NewFailureHandler(retryWriter, dltWriter, topics.MaxRetries)
	// 补发失败重新入补发队列，超过次数进入死信
	resendFailures := mq.NewFailureHandler(resendWriter, resendDLTWriter, topics.MaxRetries)

	group := topics.ConsumerGroup
	completion := interfaces.NewCompletionConsumerAdapter(mq.NewKafkaReader(brokers, topics.Completion, group), gateway, completionFailures)
	retry := interfaces.NewCompletionConsumerAdapter(mq.NewKafkaReader(brokers, topics.CompletionRetry, group+"-retry"), gateway, completionFailures)
	retry.SetDelay(topics.RetryDelay)
	resend := interfaces.NewResendConsumerAdapter(mq.NewKafkaReader(brokers, topics.Resend, group+"-resend"), resender, resendFailures)
	resend.SetDelay(topics.RetryDelay)
	completionDLT := interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(brokers, topics.CompletionDLT, group+"-dlt"))
	resendDLT := interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(brokers, topics.ResendDLT, group+"-resend-dlt"))

	for _, c := range []consumer{completion, retry, resend, completionDLT, resendDLT} {
		c := c
		if err := c.Start(ctx); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to start consumer")
			continue
		}
		cleanup.add(c.Stop)
	}
}

type consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

func closeWriter(w *kafka.Writer) func(context.Context) {
	return func(ctx context.Context) {
		if err := w.Close(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("topic", w.Topic).Msg("failed to close kafka writer")
		}
	}
}
