package cmd

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/firmware-registry/internal/app"
	"github.com/metal-toolbox/firmware-registry/internal/metrics"
	"github.com/metal-toolbox/firmware-registry/internal/server"
)

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the firmware registry HTTP service",
	Run: func(cmd *cobra.Command, args []string) {
		runServer(cmd.Context())
	},
}

func runServer(ctx context.Context) {
	theApp, termCh, err := app.New(cfgFile, logLevel)
	if err != nil {
		log.Fatal(err)
	}

	// Setup cancel context with cancel func.
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	// routine listens for termination signal and cancels the context
	go func() {
		<-termCh
		theApp.Logger.Info("got TERM signal, exiting...")
		cancelFunc()
	}()

	services, err := theApp.InitServices(ctx)
	if err != nil {
		theApp.Logger.Fatal(err)
	}

	if theApp.Config.Metrics.Enabled {
		metricsServer := metrics.ListenAndServe(theApp.Config.Metrics.Address, theApp.Logger)

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second) // nolint:gomnd // time duration value is clear as is.
			defer cancel()

			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	mirrorDone := make(chan struct{})

	if services.Mirror != nil {
		go func() {
			services.Mirror.Run(ctx)
			close(mirrorDone)
		}()
	} else {
		close(mirrorDone)
	}

	srv := server.New(theApp.Config, services.Registry, theApp.Logger)
	if err := srv.Run(ctx); err != nil {
		theApp.Logger.WithError(err).Error("http server error")
	}

	cancelFunc()
	<-mirrorDone
}

func init() {
	rootCmd.AddCommand(cmdServe)
}
