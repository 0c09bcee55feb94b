// cmd/settlement-service/main.go
package main

import (
	"os"

	"github.com/spf13/cobra"

	"nexus-settlement/internal/pkg/bootstrap"
	"nexus-settlement/internal/pkg/logger"
)

const serviceName = "settlement-service"

// main 函数是应用的"组装根" (Composition Root)
// 它只负责读取配置，依赖的创建与组装在 setup 中完成。
func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Reconciles completed payments into finalized orders, commissions and campaign shares",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bootstrap.Init(serviceName, configPath); err != nil {
				return err
			}
			bootstrap.StartService(bootstrap.AppInfo{
				ServiceName: serviceName,
				Setup:       setup,
			})
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config (defaults to $CONFIG_FILE)")

	if err := cmd.Execute(); err != nil {
		logger.Ctx(cmd.Context()).Error().Err(err).Msg("❌ settlement-service exited")
		os.Exit(1)
	}
}
