package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/config"
	sigbridge "github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/utils"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	shutdownTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	flagSet := pflag.NewFlagSet("signallingserver", pflag.ExitOnError)
	configFilePath := flagSet.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	config.AddFlags(flagSet)
	flagSet.Parse(os.Args[1:])

	if err := config.BindFlags(flagSet); err != nil {
		pterm.Error.Printfln("could not bind flags: %v", err)
		return 1
	}
	if err := config.LoadConfig(*configFilePath); err != nil {
		pterm.Error.Printfln("could not load config: %v", err)
		return 1
	}
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	mux := http.NewServeMux()
	mux.Handle("/ws", sigbridge.NewRelay(slog.Default()))
	listenAddress := viper.GetString("listenaddress")
	server := &http.Server{
		Addr:    listenAddress,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("error during shutdown", "err", err)
		}
	}()

	pterm.Info.Printfln("signalling relay listening on %s (rooms at /ws?room=<name>)", listenAddress)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("error during listen and serve", "err", err)
		return 1
	}
	pterm.Success.Println("signalling relay stopped")
	return 0
}
