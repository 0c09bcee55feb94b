// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"nexus-settlement/internal/pkg/logger"
	"nexus-settlement/internal/pkg/nacos"
	"nexus-settlement/internal/pkg/tracing"
	"nexus-settlement/internal/pkg/utils"
)

const shutdownTimeout = 15 * time.Second

// AppCtx 是服务组装时可用的公共组件。Ctx 在收到退出信号后取消。
type AppCtx struct {
	Ctx    context.Context
	Config *Config
	Nacos  *nacos.Client
	Tracer trace.Tracer
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	// Setup 组装服务依赖，返回 HTTP 处理器和关停时要执行的清理函数。
	Setup func(appCtx AppCtx) (http.Handler, func(ctx context.Context), error)
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。调用前须先执行 Init。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()
	logger.Init(info.ServiceName, cfg.App.LogLevel, cfg.App.LogPretty)
	log := logger.Ctx(context.Background())

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. Nacos：配置中心已连接时复用同一个客户端
	namingClient := nacosConfigClient
	if namingClient == nil && cfg.App.Register {
		namingClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
	}

	// 3. 组装服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler, cleanup, err := info.Setup(AppCtx{
		Ctx:    ctx,
		Config: cfg,
		Nacos:  namingClient,
		Tracer: otel.Tracer(info.ServiceName),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble service")
	}

	// 4. 创建并启动 HTTP Server
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msgf("✅ %s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	// 5. 执行服务注册
	var ip string
	if cfg.App.Register && namingClient != nil {
		if ip, err = utils.GetOutboundIP(); err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err = namingClient.RegisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 6. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msgf("🛑 Shutting down service %s...", info.ServiceName)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// 按顺序执行清理操作：先摘流量，再停入口，最后刷出 trace
	// a. 从 Nacos 注销服务
	if ip != "" {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
			log.Error().Err(err).Msg("Error deregistering from Nacos")
		}
	}

	// b. 关闭 HTTP 服务器
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down http server")
	} else {
		log.Info().Msg("HTTP server shut down.")
	}

	// c. 停止消费者与后台任务
	cancel()
	if cleanup != nil {
		cleanup(shutdownCtx)
	}

	if namingClient != nil {
		namingClient.Close()
	}

	// d. 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down tracer provider")
	} else {
		log.Info().Msg("Tracer provider shut down.")
	}

	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
