package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// 版本信息，构建时通过 ldflags 注入
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kong-resilience",
	Short: "带熔断和服务发现的API网关",
	Long: `kong-resilience 是一个内存服务注册中心、熔断器和API网关的组合。

网关按路由把请求分发到注册中心中的健康实例，
每个实例的调用都经过独立的熔断器，失败时自动重试其他实例。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kong-resilience %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kong-resilience version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
