package cli

import (
	"github.com/spf13/cobra"

	"otc-settlement/internal/app"
)

var (
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存中模拟关闭/开启自动结算时的两笔成交",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{Notify: simulateNotify})
		return err
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道发送模拟告警")
}
