package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/littleforum/config"
	"github.com/lvdashuaibi/littleforum/internal/api/graph"
	"github.com/lvdashuaibi/littleforum/internal/api/rest"
	intkafka "github.com/lvdashuaibi/littleforum/internal/kafka"
	"github.com/lvdashuaibi/littleforum/internal/lock"
	"github.com/lvdashuaibi/littleforum/internal/reconcile"
	"github.com/lvdashuaibi/littleforum/internal/repository"
	"github.com/lvdashuaibi/littleforum/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/GraphQL server, event consumer and reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newLock 按配置创建分布式锁
func newLock(ctx context.Context) (lock.Lock, error) {
	switch config.AppConfig.Lock.Backend {
	case "redis":
		return lock.NewRedLock(ctx, logger)
	case "etcd", "":
		return lock.NewETCDLock(logger)
	default:
		return nil, fmt.Errorf("未知的锁类型: %s", config.AppConfig.Lock.Backend)
	}
}

func serve(ctx context.Context) error {
	cfg := config.AppConfig

	rules, err := ruleTable()
	if err != nil {
		return err
	}

	mysqlRepo, err := repository.NewMySQLRepository(logger)
	if err != nil {
		return fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	defer mysqlRepo.Close()
	logger.Info("MySQL仓库初始化成功")

	redisRepo, err := repository.NewRedisRepository(ctx, logger)
	if err != nil {
		return fmt.Errorf("初始化Redis仓库失败: %w", err)
	}
	defer redisRepo.Close()
	logger.Info("Redis仓库初始化成功")

	distributedLock, err := newLock(ctx)
	if err != nil {
		return fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	defer distributedLock.Close()
	logger.Info("分布式锁初始化成功", zap.String("backend", cfg.Lock.Backend))

	opts := []service.Option{service.WithCache(redisRepo)}

	var consumer *intkafka.Consumer
	if cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer(ctx, logger)
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		defer producer.Close()
		opts = append(opts, service.WithPublisher(producer))

		consumer, err = intkafka.NewConsumer(ctx, logger)
		if err != nil {
			return fmt.Errorf("初始化Kafka消费者失败: %w", err)
		}
		logger.Info("Kafka生产者和消费者初始化成功")
	}

	voteService := service.NewVoteService(mysqlRepo, rules, logger, opts...)

	gin.SetMode(gin.ReleaseMode)
	graphqlServer := graph.NewGraphQLServer(voteService, logger)
	router := rest.NewRouter(voteService, graphqlServer, cfg.GraphQL.Path, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	reconciler := reconcile.NewReconciler(mysqlRepo, distributedLock, logger, reconcile.WithLeaderboard(redisRepo))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP服务已启动", zap.String("addr", server.Addr), zap.String("graphql", cfg.GraphQL.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP服务异常退出: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("正在关闭服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if consumer != nil {
		consumer.StartConsuming(voteService.ProcessVoteEvent)
		g.Go(func() error {
			<-gctx.Done()
			return consumer.Stop()
		})
	}

	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	return g.Wait()
}
