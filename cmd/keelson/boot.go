package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelson-run/keelson/pkg/boot"
	"github.com/keelson-run/keelson/pkg/lifecycle"
	"github.com/keelson-run/keelson/pkg/log"
)

var (
	bootDataRoot string
	bootMountDir string
	bootBind     string
	bootToken    string
	bootNoStart  bool
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Run the container-side boot and restore routine",
	Long: `Run the boot protocol against the local filesystem. This is the
container's entry point, executed once per boot before the gateway:

it records the boot timestamp, quarantines known-corrupt configuration,
restores state from the durable snapshot when the snapshot is newer,
initializes a config template when none exists, applies environment
overrides, and starts the gateway.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logCfg := log.DefaultConfig()
		if logLevel != "" {
			logCfg.Level = log.Level(logLevel)
		}
		if err := log.Init(logCfg); err != nil {
			return err
		}

		p := boot.New()
		p.Paths = lifecycle.Paths{DataRoot: bootDataRoot}
		p.Remote = lifecycle.RemotePaths{MountDir: bootMountDir}
		p.Gateway = boot.GatewayConfig{
			BindMode:  bootBind,
			AuthToken: bootToken,
		}
		p.SkipStart = bootNoStart

		phase, err := p.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("boot failed in phase %s: %w", phase, err)
		}
		fmt.Printf("boot complete: %s\n", phase)
		return nil
	},
}

func init() {
	bootCmd.Flags().StringVar(&bootDataRoot, "data-root", lifecycle.DefaultDataRoot, "Container state root")
	bootCmd.Flags().StringVar(&bootMountDir, "mount-dir", lifecycle.DefaultMountDir, "Durable store mount point")
	bootCmd.Flags().StringVar(&bootBind, "bind", boot.DefaultBindMode, "Gateway bind mode")
	bootCmd.Flags().StringVar(&bootToken, "token", os.Getenv("KEELSON_GATEWAY_TOKEN"), "Gateway auth token (empty starts pairing mode)")
	bootCmd.Flags().BoolVar(&bootNoStart, "no-start", false, "Stop after applying configuration without starting the gateway")
	rootCmd.AddCommand(bootCmd)
}
