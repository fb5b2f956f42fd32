// pktfwd is the LoRa packet-forwarder gateway: it bridges one
// concentrator to a set of upstream services and schedules their
// downlinks back onto the radio.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/onehub/pktfwd/internal/concentrator"
	"github.com/onehub/pktfwd/internal/config"
	"github.com/onehub/pktfwd/internal/gateway"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitHardware = 2
	exitRuntime  = 3
)

var (
	gwcfgPath string
	sxcfgPath string
	verbose   bool

	rootCmd = &cobra.Command{
		Use:   "pktfwd",
		Short: "LoRa packet-forwarder gateway",
		Long:  "Forwards LoRa uplinks from a concentrator to configured upstream services and schedules their downlinks just in time.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runGateway())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pktfwd v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&gwcfgPath, "gwcfg", "c", "/etc/lora/local_conf.json", "gateway configuration file")
	rootCmd.PersistentFlags().StringVarP(&sxcfgPath, "sxcfg", "s", "/etc/lora/global_conf.json", "concentrator configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

func runGateway() int {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	gwCfg, err := config.LoadGateway(gwcfgPath)
	if err != nil {
		log.WithError(err).Error("configuration error")
		return exitConfig
	}
	sxCfg, err := config.LoadConcentrator(sxcfgPath)
	if err != nil {
		log.WithError(err).Error("configuration error")
		return exitConfig
	}

	dcfg := concentrator.DefaultConcentratordConfig()
	dcfg.EventURL = sxCfg.Concentratord.EventURL
	dcfg.CommandURL = sxCfg.Concentratord.CommandURL
	dcfg.RFChainCount = sxCfg.RFChains
	if sxCfg.TxFreqMaxHz != 0 {
		dcfg.TxFreqMinHz = sxCfg.TxFreqMinHz
		dcfg.TxFreqMaxHz = sxCfg.TxFreqMaxHz
	}
	if sxCfg.TxPowerMax != 0 {
		dcfg.TxPowerMin = sxCfg.TxPowerMin
		dcfg.TxPowerMax = sxCfg.TxPowerMax
	}

	conc, err := concentrator.NewConcentratord(dcfg)
	if err != nil {
		log.WithError(err).Error("concentrator init error")
		return exitHardware
	}
	defer conc.Close()

	var ts gateway.TimeSource
	if gwCfg.FakeGPS {
		fake := gateway.NewFakeGPS(gateway.Coords{
			Latitude:  gwCfg.RefLatitude,
			Longitude: gwCfg.RefLongitude,
			Altitude:  gwCfg.RefAltitude,
		})
		if cnt, err := conc.InstCnt(); err == nil {
			fake.Update(cnt)
		}
		ts = fake
	}

	gw, err := gateway.New(gwCfg, sxCfg, conc, ts)
	if err != nil {
		log.WithError(err).Error("configuration error")
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	if err := gw.Start(ctx); err != nil {
		log.WithError(err).Error("startup error")
		return exitRuntime
	}

	err = gw.Wait(ctx)
	gw.Stop()
	if err != nil {
		log.WithError(err).Error("runtime fatal")
		return exitRuntime
	}
	return exitOK
}
