package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", getenvOrDefault("DAVE_VOICE_CONFIG", ""), "optional TOML configuration file")
	endpoint := flag.String("endpoint", "", "voice gateway endpoint (host[:port])")
	serverID := flag.String("server-id", "", "server (guild) id")
	channelID := flag.String("channel-id", "", "voice channel id")
	userID := flag.String("user-id", "", "our user id")
	sessionID := flag.String("session-id", "", "gateway voice session id")
	token := flag.String("token", "", "voice session token")
	dave := flag.Bool("dave", getenvBool("DAVE_VOICE_E2EE", true), "negotiate end-to-end encryption")
	opusLib := flag.String("opus-lib", getenvOrDefault("DAVE_OPUS_LIB", ""), "path to libopus shared library")
	iterationInterval := flag.Int("iteration-interval", 10, "courier iteration interval in milliseconds")
	dscp := flag.Int("dscp", dscpEF, "DSCP class for media packets (0 disables marking)")
	logLevel := flag.String("log-level", getenvOrDefault("DAVE_VOICE_LOG_LEVEL", "INFO"), "log level")
	flag.Parse()

	fileCfg, err := loadFileConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	pick := func(flagValue, fileValue, envKey string) string {
		if flagValue != "" {
			return flagValue
		}
		if v := os.Getenv(envKey); v != "" {
			return v
		}
		return fileValue
	}

	cfg := voiceSessionConfig{
		Endpoint:            pick(*endpoint, fileCfg.Endpoint, "DAVE_VOICE_ENDPOINT"),
		ServerID:            pick(*serverID, fileCfg.ServerID, "DAVE_VOICE_SERVER_ID"),
		ChannelID:           pick(*channelID, fileCfg.ChannelID, "DAVE_VOICE_CHANNEL_ID"),
		UserID:              pick(*userID, fileCfg.UserID, "DAVE_VOICE_USER_ID"),
		SessionID:           pick(*sessionID, fileCfg.SessionID, "DAVE_VOICE_SESSION_ID"),
		Token:               pick(*token, fileCfg.Token, "DAVE_VOICE_TOKEN"),
		DaveEnabled:         *dave || fileCfg.Dave,
		OpusLibPath:         pick(*opusLib, fileCfg.OpusLib, "DAVE_OPUS_LIB"),
		IterationIntervalMs: *iterationInterval,
		DSCPClass:           *dscp,
	}
	if fileCfg.IterationIntervalMs > 0 && *iterationInterval == 10 {
		cfg.IterationIntervalMs = fileCfg.IterationIntervalMs
	}
	if fileCfg.DSCP > 0 && *dscp == dscpEF {
		cfg.DSCPClass = fileCfg.DSCP
	}

	level := *logLevel
	if level == "INFO" && fileCfg.LogLevel != "" {
		level = fileCfg.LogLevel
	}
	if err := setupLogging(level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.Endpoint == "" || cfg.Token == "" || cfg.SessionID == "" {
		fmt.Fprintln(os.Stderr, "endpoint, token and session-id are required")
		flag.Usage()
		os.Exit(2)
	}

	session, err := newVoiceSession(cfg, sessionCallbacks{
		onEvent: func(event clientEvent) {
			switch event.Level {
			case "error":
				logSession.Errorf("%s: %s", event.Type, event.Message)
			case "warn":
				logSession.Warningf("%s: %s", event.Type, event.Message)
			default:
				logSession.Infof("%s: %s", event.Type, event.Message)
			}
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	session.Start()
	logSession.Infof("voice session started against %s", cfg.Endpoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logSession.Info("shutting down")
	session.Close()
}
