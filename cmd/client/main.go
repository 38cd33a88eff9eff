package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/config"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/negotiation"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/session"
	sigbridge "github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/signalling"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func fail(format string, args ...any) int {
	pterm.Error.Printfln(format, args...)
	return 1
}

// The relay url for a room, e.g. ws://localhost:1066/ws?room=lobby
func roomURL(server string, room string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("signalling server must be a ws:// or wss:// url, got %q", server)
	}
	query := u.Query()
	query.Set("room", room)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func printEvent(event negotiation.Event) {
	switch e := event.(type) {
	case negotiation.StateChanged:
		pterm.Info.Printfln("call %s", e.To)
	case negotiation.TrackArrived:
		pterm.Success.Printfln("receiving audio (%s)", e.Track.ID())
	case negotiation.Failure:
		if e.Fatal {
			pterm.Error.Printfln("call failed: %v", e.Err)
		}
	}
}

func codecProperties(codec negotiation.Codec) audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  int(codec.Capability.ClockRate),
		NumChannels: int(codec.Capability.Channels),
	}
}

// Without an input file the call sends silence, so the far side still
// hears the pulse tone when it routes inbound audio through it.
func initializeAudioAPI(codec negotiation.Codec) audioapi.AudioIODeviceAPI {
	frameDuration := viper.GetDuration("frameduration")
	inputFile := viper.GetString("inputfile")
	if inputFile == "" {
		slog.Info("no input file, sending silence")
		return audioapi.NewDummyAudioIODeviceAPI(codecProperties(codec)).WithSilentInput(frameDuration)
	}
	return audioapi.NewFileAudioIODeviceAPI(inputFile, "", frameDuration, true, audiodevice.DeviceProperties{})
}

func initializeRenderer(codec negotiation.Codec) (session.Renderer, error) {
	properties := codecProperties(codec)
	var api audioapi.AudioIODeviceAPI
	outputFile := viper.GetString("outputfile")
	if outputFile == "" {
		slog.Info("no output file, remote audio is discarded")
		api = audioapi.NewDummyAudioIODeviceAPI(properties)
	} else {
		api = audioapi.NewFileAudioIODeviceAPI("", outputFile, viper.GetDuration("frameduration"), false, properties)
	}

	outputDevice, err := api.InitDefaultOutputDevice()
	if err != nil {
		return nil, err
	}
	return session.NewDeviceRenderer(outputDevice, 1.0, slog.Default()), nil
}

func main() {
	os.Exit(run())
}

func run() int {
	flagSet := pflag.NewFlagSet("tonepulse", pflag.ExitOnError)
	configFilePath := flagSet.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	config.AddFlags(flagSet)
	flagSet.Parse(os.Args[1:])

	if err := config.BindFlags(flagSet); err != nil {
		return fail("could not bind flags: %v", err)
	}
	if err := config.LoadConfig(*configFilePath); err != nil {
		return fail("could not load config: %v", err)
	}
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		return fail("error while configuring default logger: %v", err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	sessionConfig, err := config.Session()
	if err != nil {
		return fail("invalid session config: %v", err)
	}
	webrtcConfig, err := config.WebRTCConfiguration()
	if err != nil {
		return fail("invalid ice servers: %v", err)
	}
	codecs, err := config.Codecs()
	if err != nil {
		return fail("invalid codecs: %v", err)
	}
	slog.Debug("authorized codecs", "codecs", codecs)

	localPeer := signalling.NewPeerIdentifier(viper.GetString("room"))
	signallingURL, err := roomURL(viper.GetString("signallingserver"), localPeer.Room)
	if err != nil {
		return fail("invalid signalling server: %v", err)
	}

	renderer, err := initializeRenderer(codecs[0])
	if err != nil {
		return fail("could not open output: %v", err)
	}

	orchestrator := session.New(session.Config{
		Routing:       sessionConfig.Routing,
		AudioAPI:      initializeAudioAPI(codecs[0]),
		Transport:     sigbridge.NewWebSocketTransport(signallingURL, slog.Default()),
		NewConnection: negotiation.NewPionConnectionFactory(negotiation.PionConnectionConfig{
			Configuration: webrtcConfig,
			Codecs:        codecs,
			LoggerFactory: utils.SlogLoggerFactory{Logger: slog.Default()},
			Logger:        slog.Default(),
		}),
		Renderer: renderer,
		OnEvent:  printEvent,
		Logger:   slog.Default().With("peer", localPeer.String()),
	})

	go func() {
		for err := range orchestrator.Errors() {
			pterm.Warning.Println(err.Error())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Printfln("joining room %q as %s (outbound pulse: %t, inbound pulse: %t)",
		localPeer.Room,
		localPeer.Uuid,
		sessionConfig.Routing.Outbound,
		sessionConfig.Routing.Inbound,
	)
	if err := orchestrator.Run(ctx); err != nil {
		return fail("%v", err)
	}
	pterm.Success.Println("call ended")
	return 0
}
