// Package config loads tonepulse configuration into viper from a config file
// and command line flags, and builds the typed views the binaries need.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/negotiation"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	errNonPositiveFrameDuration = errors.New("frame duration must be positive")
	errICEServerWithoutURL      = errors.New("ice server without url")
)

// An ICE server as written in the config file:
//
//	iceservers:
//	  - url: stun:stun.l.google.com:19302
//	  - url: turn:turn.example.com:3478
//	    username: user
//	    credential: secret
type ICEServer struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
}

type SessionConfig struct {
	Routing    session.Routing
	ICEServers []ICEServer
}

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("signallingserver", "ws://localhost:1066/ws")
	viper.SetDefault("room", "lobby")
	viper.SetDefault("routeoutbound", false)
	viper.SetDefault("routeinbound", true)
	viper.SetDefault("iceservers", []map[string]string{})
	viper.SetDefault("codecs", []string{"CodecPCMU8000Mono"})
	viper.SetDefault("inputfile", "")
	viper.SetDefault("outputfile", "received.wav")
	viper.SetDefault("frameduration", 20*time.Millisecond)
	viper.SetDefault("listenaddress", ":1066")
}

// Define the flags that may override config file values.
// Flags are only applied when set, see BindFlags.
func AddFlags(flagSet *pflag.FlagSet) {
	flagSet.String("loglevel", "info", "log level: none, error, warn, info, or debug")
	flagSet.String("logfile", "", "write JSON logs to this file instead of stdout")
	flagSet.String("signallingserver", "ws://localhost:1066/ws", "websocket url of the signalling relay")
	flagSet.String("room", "lobby", "signalling room to join")
	flagSet.Bool("routeoutbound", false, "apply the pulse tone to captured audio before sending")
	flagSet.Bool("routeinbound", true, "apply the pulse tone to received audio before playing")
	flagSet.String("inputfile", "", "wav file used as the microphone")
	flagSet.String("outputfile", "received.wav", "wav file the remote audio is written to")
	flagSet.Duration("frameduration", 20*time.Millisecond, "duration of each captured audio frame")
	flagSet.String("listenaddress", ":1066", "address the signalling relay listens on")
}

func BindFlags(flagSet *pflag.FlagSet) error {
	return viper.BindPFlags(flagSet)
}

// Load the config file into viper on top of the defaults.
// A missing config file is not an error, every key has a default.
func LoadConfig(configFilePath string) error {
	setViperDefaults()

	if configFilePath != "" {
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				slog.Info("no config file found", "configFilePath", configFilePath)
			} else {
				slog.Error("error during config read", "err", err)
				return fmt.Errorf("reading config %s: %w", configFilePath, err)
			}
		}
	}

	if viper.GetDuration("frameduration") <= 0 {
		return errNonPositiveFrameDuration
	}
	if _, err := negotiation.AuthorizedCodecs(viper.GetStringSlice("codecs")); err != nil {
		return fmt.Errorf("codecs: %w", err)
	}
	return nil
}

func ICEServers() ([]ICEServer, error) {
	var servers []ICEServer
	if err := viper.UnmarshalKey("iceservers", &servers); err != nil {
		return nil, fmt.Errorf("iceservers: %w", err)
	}
	for i, s := range servers {
		if s.URL == "" {
			return nil, fmt.Errorf("iceservers[%d]: %w", i, errICEServerWithoutURL)
		}
	}
	return servers, nil
}

func Session() (SessionConfig, error) {
	servers, err := ICEServers()
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{
		Routing: session.Routing{
			Outbound: viper.GetBool("routeoutbound"),
			Inbound:  viper.GetBool("routeinbound"),
		},
		ICEServers: servers,
	}, nil
}

// The peer connection configuration. ICE servers are passed through untouched.
func WebRTCConfiguration() (webrtc.Configuration, error) {
	servers, err := ICEServers()
	if err != nil {
		return webrtc.Configuration{}, err
	}
	config := webrtc.Configuration{
		ICEServers: make([]webrtc.ICEServer, len(servers)),
	}
	for i, s := range servers {
		config.ICEServers[i] = webrtc.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		}
	}
	return config, nil
}

func Codecs() ([]negotiation.Codec, error) {
	return negotiation.AuthorizedCodecs(viper.GetStringSlice("codecs"))
}
