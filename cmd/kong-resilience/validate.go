package main

import (
	"fmt"

	"github.com/hewenyu/kong-resilience/internal/bootstrap"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "校验启动清单",
	Long: `校验启动清单中的服务、实例和路由定义，不启动任何服务。

Examples:
  kong-resilience validate -f manifest.yaml`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringP("file", "f", "", "清单文件路径（必填）")
	_ = validateCmd.MarkFlagRequired("file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	m, err := bootstrap.Load(filename)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("清单校验失败:\n%w", err)
	}

	instances := 0
	for _, svc := range m.Services {
		instances += len(svc.Instances)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %d 个服务, %d 个实例, %d 条路由\n",
		filename, len(m.Services), instances, len(m.Routes))
	return nil
}
