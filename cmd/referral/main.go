// ReferralService 主程序
// 功能：成交分佣记账、推荐关系管理、可领取余额默克尔根发布与证明查询
// 架构：DDD + gin HTTP + gRPC 健康检查 + Kafka 成交事件消费
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	commissionapp "github.com/wyfcoding/referral/internal/commission/application"
	commissiondomain "github.com/wyfcoding/referral/internal/commission/domain"
	commissionmem "github.com/wyfcoding/referral/internal/commission/infrastructure/persistence/memory"
	commissionsql "github.com/wyfcoding/referral/internal/commission/infrastructure/persistence/mysql"
	commissionredis "github.com/wyfcoding/referral/internal/commission/infrastructure/persistence/redis"
	"github.com/wyfcoding/referral/internal/commission/interfaces/consumer"
	commissionhttp "github.com/wyfcoding/referral/internal/commission/interfaces/http"
	merkleapp "github.com/wyfcoding/referral/internal/merkle/application"
	merkledomain "github.com/wyfcoding/referral/internal/merkle/domain"
	"github.com/wyfcoding/referral/internal/merkle/infrastructure/lock"
	"github.com/wyfcoding/referral/internal/merkle/infrastructure/messaging"
	merklemem "github.com/wyfcoding/referral/internal/merkle/infrastructure/persistence/memory"
	merklesql "github.com/wyfcoding/referral/internal/merkle/infrastructure/persistence/mysql"
	merklehttp "github.com/wyfcoding/referral/internal/merkle/interfaces/http"
	"github.com/wyfcoding/referral/pkg/cache"
	"github.com/wyfcoding/referral/pkg/chain"
	"github.com/wyfcoding/referral/pkg/config"
	"github.com/wyfcoding/referral/pkg/db"
	"github.com/wyfcoding/referral/pkg/logger"
	"github.com/wyfcoding/referral/pkg/metrics"
	"github.com/wyfcoding/referral/pkg/middleware"
	"github.com/wyfcoding/referral/pkg/money"
	"github.com/wyfcoding/referral/pkg/mq"
	"github.com/wyfcoding/referral/pkg/ratelimit"
)

const idempotencyTTL = 7 * 24 * time.Hour

// repositories 分佣上下文的存储实现集合
type repositories struct {
	users       commissiondomain.UserRepository
	referrals   commissiondomain.ReferralRepository
	ledger      commissiondomain.LedgerRepository
	trades      commissiondomain.TradesRepository
	tx          commissiondomain.TransactionManager
	idempotency commissiondomain.IdempotencyStore
	roots       merkledomain.RootStore
	snapshots   merkledomain.SnapshotStore
	locker      merkledomain.Locker
	limiter     ratelimit.RateLimiter
}

func main() {
	configPath := pflag.StringP("config", "c", "configs/referral/config.toml", "path to TOML config")
	pflag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "Starting ReferralService",
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	if err := run(ctx, cfg); err != nil {
		logger.Fatal(ctx, "ReferralService exited with error", "error", err)
	}
	logger.Info(context.Background(), "ReferralService stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()
	clock := clockwork.NewRealClock()

	// 3. 初始化存储
	repos, cleanup, err := buildRepositories(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// 4. 初始化指标
	reg := prometheus.NewRegistry()
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	collector := metrics.NewPrometheusCollector(m)

	// 5. 初始化领域与应用服务
	policyCfg, err := policyConfig(cfg.Commission)
	if err != nil {
		return err
	}
	policy, err := commissiondomain.NewPolicy(policyCfg)
	if err != nil {
		return err
	}
	commissionSvc := commissionapp.NewCommissionService(policy, repos.users, repos.referrals, log)
	processor := commissionapp.NewTradeProcessor(commissionSvc, repos.trades, repos.ledger, repos.idempotency, repos.tx, clock, collector, log)
	referralSvc := commissionapp.NewReferralService(repos.users, repos.referrals, repos.tx, clock, log)
	earnings := commissionapp.NewEarningsQuery(repos.ledger)

	var producer *mq.KafkaProducer
	kafkaCfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}
	merkleOpts := []merkleapp.Option{
		merkleapp.WithBalanceSource(earnings),
		merkleapp.WithSnapshotStore(repos.snapshots),
		merkleapp.WithLocker(repos.locker),
		merkleapp.WithClock(clock),
		merkleapp.WithMetrics(collector),
		merkleapp.WithPublishRetries(cfg.Merkle.PublishRetries),
		merkleapp.WithLockTTL(time.Duration(cfg.Merkle.LockTTL) * time.Second),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		producer = mq.NewProducer(kafkaCfg)
		defer producer.Close()
		merkleOpts = append(merkleOpts, merkleapp.WithEventPublisher(messaging.NewRootPublisher(producer, cfg.Kafka.RootTopic)))
	}
	builder := merkledomain.NewTreeBuilder(cfg.Merkle.AmountDecimals)
	merkleSvc := merkleapp.NewMerkleService(builder, repos.roots, log, merkleOpts...)

	// 6. 创建服务器
	httpServer := createHTTPServer(cfg, collector, repos.limiter,
		commissionhttp.NewCommissionHandler(commissionSvc, processor, referralSvc, earnings),
		merklehttp.NewMerkleHandler(merkleSvc),
	)
	grpcServer, healthServer := createGRPCServer()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "Starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		logger.Info(gctx, "Starting gRPC server", "addr", addr)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcServer.Serve(lis)
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, reg)
		g.Go(func() error {
			logger.Info(gctx, "Starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// 7. 成交事件消费
	if len(cfg.Kafka.Brokers) > 0 {
		kc := mq.NewConsumer(kafkaCfg, cfg.Kafka.TradeTopic)
		defer kc.Close()
		dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetter)
		tc := consumer.NewTradeConsumer(kc, processor, dlq, cfg.Kafka.MaxRetries, time.Duration(cfg.Kafka.RetryBackoff)*time.Millisecond, log)
		g.Go(func() error { return tc.Run(gctx) })
	}

	// 8. 定时发布默克尔根
	if every := cfg.Merkle.PublishEvery(); every > 0 && len(cfg.Merkle.Targets) > 0 {
		targets, err := parseTargets(cfg.Merkle.Targets)
		if err != nil {
			return err
		}
		g.Go(func() error {
			publishLoop(gctx, clock, every, merkleSvc, targets, log)
			return nil
		})
	}

	// 9. 优雅关停
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "Shutting down ReferralService")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "HTTP server shutdown error", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error(shutdownCtx, "Metrics server shutdown error", "error", err)
			}
		}
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

// buildRepositories 按配置选择 SQL 或内存存储，Redis 可选
func buildRepositories(ctx context.Context, cfg *config.Config) (*repositories, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	repos := &repositories{}
	switch cfg.Database.Driver {
	case "memory":
		repos.users = commissionmem.NewUserRepository()
		repos.referrals = commissionmem.NewReferralRepository()
		repos.ledger = commissionmem.NewLedgerRepository()
		repos.trades = commissionmem.NewTradesRepository()
		repos.tx = commissionmem.TransactionManager{}
		repos.roots = merklemem.NewRootStore()
		repos.snapshots = merklemem.NewSnapshotStore()
		logger.Warn(ctx, "Using in-memory storage, data is not persisted")
	default:
		database, err := db.Init(ctx, db.Config{
			Driver:             cfg.Database.Driver,
			DSN:                cfg.Database.DSN,
			MaxOpenConns:       cfg.Database.MaxOpenConns,
			MaxIdleConns:       cfg.Database.MaxIdleConns,
			ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
			LogEnabled:         cfg.Database.LogEnabled,
			SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		})
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = database.Close() })

		rootRepo := merklesql.NewRootRepository(database.DB)
		snapshotRepo := merklesql.NewSnapshotRepository(database.DB)
		if cfg.Database.AutoMigrate {
			if err := commissionsql.AutoMigrate(ctx, database.DB); err != nil {
				return nil, cleanup, fmt.Errorf("migrate commission tables: %w", err)
			}
			if err := rootRepo.AutoMigrate(ctx); err != nil {
				return nil, cleanup, fmt.Errorf("migrate merkle tables: %w", err)
			}
			if err := snapshotRepo.AutoMigrate(ctx); err != nil {
				return nil, cleanup, fmt.Errorf("migrate merkle snapshot tables: %w", err)
			}
		}
		repos.users = commissionsql.NewUserRepository(database.DB)
		repos.referrals = commissionsql.NewReferralRepository(database.DB)
		repos.ledger = commissionsql.NewLedgerRepository(database.DB)
		repos.trades = commissionsql.NewTradesRepository(database.DB)
		repos.tx = db.NewTransactionManager(database.DB)
		repos.roots = rootRepo
		repos.snapshots = snapshotRepo
	}

	if cfg.Redis.Enabled() {
		rc, err := cache.New(ctx, cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ConnTimeout:  cfg.Redis.ConnTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = rc.Close() })
		repos.idempotency = commissionredis.NewIdempotencyStore(rc, idempotencyTTL)
		repos.locker = lock.NewRedisLocker(rc)
		repos.limiter = ratelimit.NewRedisRateLimiter(rc.GetClient())
	} else {
		repos.idempotency = commissionmem.NewIdempotencyStore()
		repos.locker = lock.NewLocalLocker()
		repos.limiter = ratelimit.NewLocalRateLimiter()
	}
	return repos, cleanup, nil
}

// policyConfig 将配置文件中的比例转换为策略配置
func policyConfig(c config.CommissionConfig) (commissiondomain.PolicyConfig, error) {
	pc := commissiondomain.DefaultPolicyConfig()
	rates := make([]money.Percentage, 0, len(c.LevelRates()))
	for i, r := range c.LevelRates() {
		p, err := money.FromFraction(r)
		if err != nil {
			return pc, fmt.Errorf("commission level %d rate: %w", i+1, err)
		}
		rates = append(rates, p)
	}
	treasury, err := money.FromFraction(c.TreasuryPercentage)
	if err != nil {
		return pc, fmt.Errorf("treasury percentage: %w", err)
	}
	cashback, err := money.FromFraction(c.DefaultCashbackRate)
	if err != nil {
		return pc, fmt.Errorf("default cashback rate: %w", err)
	}
	pc.LevelRates = rates
	pc.MaxReferralDepth = c.MaxReferralDepth
	pc.TreasuryPercentage = treasury
	pc.DefaultCashbackRate = cashback
	if c.DefaultToken != "" {
		pc.DefaultToken = c.DefaultToken
	}
	if c.DefaultChain != "" {
		ch, err := chain.ParseChain(c.DefaultChain)
		if err != nil {
			return pc, err
		}
		pc.DefaultChain = ch
	}
	return pc, nil
}

type publishTarget struct {
	chain chain.Chain
	token string
}

func parseTargets(in []config.MerkleTarget) ([]publishTarget, error) {
	out := make([]publishTarget, 0, len(in))
	for _, t := range in {
		ch, err := chain.ParseChain(t.Chain)
		if err != nil {
			return nil, fmt.Errorf("merkle target %q: %w", t.Chain, err)
		}
		out = append(out, publishTarget{chain: ch, token: t.Token})
	}
	return out, nil
}

// publishLoop 按固定间隔为每个目标发布新根，空树与锁竞争只记录日志
func publishLoop(ctx context.Context, clock clockwork.Clock, every time.Duration, svc *merkleapp.MerkleService, targets []publishTarget, log *slog.Logger) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		for _, t := range targets {
			root, err := svc.PublishRoot(ctx, t.chain, t.token)
			switch {
			case err == nil:
				log.InfoContext(ctx, "scheduled root published", "chain", t.chain, "token", t.token, "version", root.Version)
			case errors.Is(err, merkledomain.ErrEmptyTree), errors.Is(err, merkledomain.ErrLockNotAcquired):
				log.DebugContext(ctx, "scheduled publish skipped", "chain", t.chain, "token", t.token, "reason", err)
			default:
				log.ErrorContext(ctx, "scheduled publish failed", "chain", t.chain, "token", t.token, "error", err)
			}
		}
	}
}

// createHTTPServer 创建 HTTP 服务器
func createHTTPServer(cfg *config.Config, collector metrics.Collector, limiter ratelimit.RateLimiter, commission *commissionhttp.CommissionHandler, merkle *merklehttp.MerkleHandler) *http.Server {
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.GinRecoveryMiddleware())
	router.Use(middleware.GinLoggingMiddleware())
	router.Use(middleware.GinCORSMiddleware())
	router.Use(middleware.GinMetricsMiddleware(collector))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimitMiddleware(limiter, cfg.RateLimit))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   cfg.ServiceName,
			"timestamp": time.Now().Unix(),
		})
	})

	api := router.Group("/api/v1")
	commission.RegisterRoutes(api)
	merkle.RegisterRoutes(api)

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
}

// createGRPCServer 创建 gRPC 服务器，仅暴露健康检查与反射
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			middleware.GRPCLoggingInterceptor(),
			middleware.GRPCRecoveryInterceptor(),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)
	return server, hs
}
