package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"talkpair/internal/core/domain"
	"talkpair/internal/core/ports"
	"talkpair/internal/core/services"
	repositories "talkpair/internal/infrastructure/repositories"
	"talkpair/internal/infrastructure/transport/document"
	"talkpair/internal/infrastructure/transport/relay"
	webrtcinfra "talkpair/internal/infrastructure/webrtc"
	"talkpair/pkg/config"
	"talkpair/pkg/logger"
	"talkpair/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagBackend  string
	flagRelayURL string
	flagRedis    string
	flagMuted    bool
)

var errCallFailed = errors.New("call failed")

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Find a random partner and start a voice call",
	Long: `Find a random partner and start a voice call.

Backends:
  relay   pair through the talkpair signal server websocket (default from config)
  redis   pair through a shared Redis session store
  memory  keep sessions inside this process, for local testing

Press Enter during a call to mute or unmute the microphone.

Examples:
  talkpair call
  talkpair call --muted
  talkpair call --backend relay --relay-url ws://localhost:8081/ws
  talkpair call --backend redis --redis localhost:6379`,
	Args: cobra.NoArgs,
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVarP(&flagBackend, "backend", "b", "", "signaling backend: relay, redis or memory")
	callCmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "relay websocket URL")
	callCmd.Flags().StringVar(&flagRedis, "redis", "", "Redis address for the redis backend")
	callCmd.Flags().BoolVar(&flagMuted, "muted", false, "start the call with the microphone muted")
}

// loadConfig reads the config file, if any, and applies command line overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfigPath != "" {
		cfg, err = config.Load(flagConfigPath)
	} else {
		cfg, _, err = config.LoadFirst("configs/config.yaml", "config.yaml")
	}
	if err != nil {
		return nil, err
	}

	if flagBackend != "" {
		cfg.Matchmaking.Backend = flagBackend
	}
	if flagRelayURL != "" {
		cfg.Client.RelayURL = flagRelayURL
	}
	if flagRedis != "" {
		cfg.Redis.Address = flagRedis
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	switch cfg.Matchmaking.Backend {
	case "relay":
		if err := validation.ValidateWebSocketURL(cfg.Client.RelayURL); err != nil {
			return nil, fmt.Errorf("invalid relay URL: %w", err)
		}
	case "redis":
		if err := validation.ValidateHostPort(cfg.Redis.Address); err != nil {
			return nil, fmt.Errorf("invalid redis address: %w", err)
		}
	}
	return cfg, nil
}

// newBackendFactory returns the factory for the configured backend and a
// function releasing whatever it holds.
func newBackendFactory(cfg *config.Config, log *zap.SugaredLogger) (ports.BackendFactory, func(), error) {
	switch cfg.Matchmaking.Backend {
	case "relay":
		return relay.NewBackendFactory(cfg.Client.RelayURL, relay.DefaultOptions(), log.With("backend", "relay")), func() {}, nil

	case "redis", "memory":
		repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := repoFactory.Close(); err != nil {
				log.Debugw("Failed to close session store", "error", err)
			}
		}
		// a silent fallback to memory would leave the caller waiting alone
		if cfg.Matchmaking.Backend == "redis" && repoFactory.StoreKind() != "redis" {
			closeFn()
			return nil, nil, fmt.Errorf("redis backend requested but %s is unreachable", cfg.Redis.Address)
		}
		store := repoFactory.CreateSessionStore()
		return document.NewBackendFactory(store, nil, log.With("backend", repoFactory.StoreKind()), cfg.Matchmaking.StaleAfter), closeFn, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Matchmaking.Backend)
}

func engineConfig(cfg *config.Config) webrtcinfra.EngineConfig {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		// Fallback STUN server if not configured
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	return webrtcinfra.EngineConfig{ICEServers: iceServers}
}

func coordinatorConfig(cfg *config.Config) services.CoordinatorConfig {
	cc := services.DefaultCoordinatorConfig()
	r := cfg.Matchmaking.Retry
	cc.Retry.Enabled = r.MaxAttempts > 0
	cc.Retry.MaxAttempts = r.MaxAttempts
	if r.InitialDelay > 0 {
		cc.Retry.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		cc.Retry.MaxDelay = r.MaxDelay
	}
	if r.Multiplier >= 1 {
		cc.Retry.Multiplier = r.Multiplier
	}
	cc.AnswerTimeout = cfg.Matchmaking.AnswerTimeout
	return cc
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zapLogger := logger.NewConsole(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, closeBackends, err := newBackendFactory(cfg, log)
	if err != nil {
		return err
	}
	defer closeBackends()

	engines := webrtcinfra.NewEngineFactory(engineConfig(cfg), log.With("component", "media"))
	coordinator := services.NewCoordinator(backends, engines, coordinatorConfig(cfg), log.With("component", "coordinator"))

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Run(runCtx)
	}()
	defer func() {
		cancelRun()
		<-done
	}()

	updates, unsubscribe := coordinator.Updates()
	defer unsubscribe()

	if flagMuted {
		if err := coordinator.SetMuted(ctx, true); err != nil {
			return err
		}
	}
	if err := coordinator.StartMatchmaking(ctx); err != nil {
		return err
	}
	return watchCall(ctx, coordinator, updates, readToggles(cmd.InOrStdin()), cmd.OutOrStdout())
}

// readToggles emits once per line read from in.
func readToggles(in io.Reader) <-chan struct{} {
	toggles := make(chan struct{})
	go func() {
		defer close(toggles)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			toggles <- struct{}{}
		}
	}()
	return toggles
}

// callWatcher is the part of the coordinator the CLI loop drives.
type callWatcher interface {
	Role() domain.Role
	Phase() domain.Phase
	Muted() bool
	SetMuted(ctx context.Context, muted bool) error
	Disconnect(ctx context.Context) error
}

// watchCall prints every state change until the call ends or ctx is cancelled,
// in which case it hangs up. Each toggle flips the microphone.
func watchCall(ctx context.Context, call callWatcher, updates <-chan domain.ConnectionState, toggles <-chan struct{}, out io.Writer) error {
	for {
		select {
		case _, ok := <-toggles:
			if !ok {
				// stdin closed; keep the call going without mute control
				toggles = nil
				continue
			}
			muted := !call.Muted()
			if err := call.SetMuted(ctx, muted); err != nil {
				fmt.Fprintln(out, "Mute failed:", err)
				continue
			}
			if muted {
				fmt.Fprintln(out, "Muted")
			} else {
				fmt.Fprintln(out, "Unmuted")
			}

		case <-ctx.Done():
			fmt.Fprintln(out, "Hanging up...")
			hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return call.Disconnect(hangupCtx)

		case state, ok := <-updates:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, services.StatusText(state, call.Role()))

			switch state {
			case domain.StateFailed:
				return errCallFailed
			case domain.StateDisconnected:
				// media may still recover unless the call was torn down
				if call.Phase() == domain.PhaseIdle {
					return nil
				}
			}
		}
	}
}
