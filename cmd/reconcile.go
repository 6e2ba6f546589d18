package main

import (
	"github.com/lvdashuaibi/littleforum/internal/reconcile"
	"github.com/lvdashuaibi/littleforum/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass: delete orphan votes and warm the leaderboard caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mysqlRepo, err := repository.NewMySQLRepository(logger)
		if err != nil {
			return err
		}
		defer mysqlRepo.Close()

		redisRepo, err := repository.NewRedisRepository(ctx, logger)
		if err != nil {
			return err
		}
		defer redisRepo.Close()

		distributedLock, err := newLock(ctx)
		if err != nil {
			return err
		}
		defer distributedLock.Close()

		r := reconcile.NewReconciler(mysqlRepo, distributedLock, logger, reconcile.WithLeaderboard(redisRepo))
		report, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}

		fields := []zap.Field{
			zap.Int("all_time", report.AllTimeSize),
			zap.Int("month", report.MonthSize),
		}
		for kind, n := range report.OrphansDeleted {
			fields = append(fields, zap.Int64(string(kind), n))
		}
		logger.Info("对账完成", fields...)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
