// auctiond runs the lead-marketplace auction service: sealed-bid rooms,
// the auto-bid engine, the floor-price oracle, and ledger reconciliation
// behind one HTTP surface.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "auctiond",
	Short: "Lead marketplace auction service",
	Long: `auctiond hosts sealed-bid auctions for marketplace leads: commit-reveal
bidding rooms, buyer auto-bid evaluation, oracle-derived floor prices,
and cached-balance reconciliation against the authoritative ledger.`,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("INFO: Received %s, shutting down", sig)
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	viper.SetEnvPrefix("AUCTIOND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("bidding_window", "5m")
	viper.SetDefault("reveal_window", "5m")
	viper.SetDefault("scheduler_interval", "15s")
	viper.SetDefault("oracle.baseline", 100.0)
	viper.SetDefault("oracle.ttl", "1m")
	viper.SetDefault("consumer_queue", "autobid_leads")
	return nil
}
