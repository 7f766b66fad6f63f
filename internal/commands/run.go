package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/quiltmesh/quilt/internal/config"
	"github.com/quiltmesh/quilt/internal/session"
)

var log = logging.Logger("cli")

var (
	runNetworkID string
	runUserID    string
	runToken     string
)

func init() {
	runCmd.Flags().StringVar(&runNetworkID, "network", "", "Network ID (overrides config)")
	runCmd.Flags().StringVar(&runUserID, "user", "", "User ID (overrides config)")
	runCmd.Flags().StringVar(&runToken, "token", "", "Bearer token for the rendezvous and directory services")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the mesh engine",
	Long: `Start the engine and keep it running until interrupted.
The engine joins the configured network, announces itself, and begins
gossiping, routing, and flushing the offline queue.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, created, err := config.Ensure(configPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created default configuration at %s. Fill in identity and service URLs.\n", configPath)
		return nil
	}
	if runToken == "" {
		runToken = os.Getenv("QUILT_TOKEN")
	}

	mgr := session.New(cfg)
	if err := mgr.Initialize(runNetworkID, runUserID, runToken); err != nil {
		return err
	}

	watcher, err := config.Watch(configPath, mgr.ApplyConfig)
	if err != nil {
		log.Warnw("config watch disabled", "err", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("Shutting down...")
	return mgr.Destroy()
}
