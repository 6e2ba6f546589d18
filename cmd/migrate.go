package main

import (
	"github.com/lvdashuaibi/littleforum/internal/repository"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the MySQL schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		mysqlRepo, err := repository.NewMySQLRepository(logger)
		if err != nil {
			return err
		}
		defer mysqlRepo.Close()

		if err := mysqlRepo.CreateSchema(cmd.Context()); err != nil {
			return err
		}
		logger.Info("数据库表结构已创建")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
