package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/services"
	controlhttp "classmesh/internal/handlers/http"
	"classmesh/internal/infrastructure/media"
	"classmesh/internal/infrastructure/monitoring"
	"classmesh/internal/infrastructure/repositories"
	"classmesh/internal/infrastructure/webrtc"
	"classmesh/pkg/config"
	"classmesh/pkg/tracing"
	"classmesh/pkg/utils"

	"github.com/spf13/cobra"
)

var (
	flagName          string
	flagRole          string
	flagRoom          string
	flagListen        string
	flagDenyScreen    bool
	flagCameraFailure string
	flagScreenMax     time.Duration
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Join a room and stay connected until interrupted",
	Long: `Join a room with synthetic camera and screen sources. The control API
and the websocket event feed are served on the configured address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin()
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name")
	joinCmd.Flags().StringVarP(&flagRole, "role", "r", string(domain.RoleStudent), "teacher or student")
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room id")
	joinCmd.Flags().StringVar(&flagListen, "listen", "", "override control.address")
	joinCmd.Flags().BoolVar(&flagDenyScreen, "deny-screen", false, "refuse every screen capture request")
	joinCmd.Flags().StringVar(&flagCameraFailure, "camera-failure", "", "fail camera acquisition: busy, denied, absent or other")
	joinCmd.Flags().DurationVar(&flagScreenMax, "screen-max", 0, "end screen captures after this long (0 keeps them running)")

	_ = joinCmd.MarkFlagRequired("name")
	_ = joinCmd.MarkFlagRequired("room")
}

func runJoin() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Control.Address = flagListen
	}

	failure := domain.MediaErrorKind(flagCameraFailure)
	switch failure {
	case "", domain.MediaBusy, domain.MediaDenied, domain.MediaAbsent, domain.MediaOther:
	default:
		return fmt.Errorf("unknown camera failure %q", flagCameraFailure)
	}

	log, syncLog := newLogger(cfg)
	defer syncLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "classmesh",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "development",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	collector := monitoring.NewPrometheusCollector()

	channels, err := repositories.NewChannelFactory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer channels.Close()

	channel, err := channels.Connect(ctx)
	if err != nil {
		return err
	}
	defer channel.Close()

	pcFactory, err := webrtc.NewPeerConnectionFactory(webrtc.ConfigFrom(cfg), collector, log)
	if err != nil {
		return err
	}

	mediaCfg := media.SyntheticConfigFrom(cfg)
	mediaCfg.CameraFailure = failure
	mediaCfg.DenyScreen = flagDenyScreen
	if flagScreenMax > 0 {
		mediaCfg.ScreenMaxDuration = flagScreenMax
	}

	events := controlhttp.NewEventHub(cfg.Control.PingInterval, cfg.Control.WriteTimeout, log)
	defer events.Close()

	classroom := services.NewClassroom(classroomConfigFrom(cfg), services.ClassroomDeps{
		Channel: channel,
		Factory: pcFactory,
		Media:   media.NewSyntheticSource(mediaCfg, log),
		UI:      fanoutUI{newConsoleUI(), events},
		Metrics: collector,
		Logger:  log,
	})

	self, err := classroom.Join(ctx, flagName, domain.Role(flagRole), flagRoom)
	if err != nil {
		return err
	}
	room, joinedAt := classroom.Room(), time.Now()
	printSuccess(fmt.Sprintf("joined %s as %s (%s)", room, self.Name, self.ID))

	health := monitoring.NewHealthChecker()
	health.AddChannelCheck(channels, cfg.Monitoring.HealthCheckInterval, 5*time.Second)
	health.AddReadinessCheck(classroom.Joined, cfg.Monitoring.HealthCheckInterval, time.Second)
	health.StartBackgroundChecks(ctx)

	var metrics http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metrics = collector.Handler()
	}
	handler := controlhttp.NewControlHandler(classroom, health, events, metrics)

	server := &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      controlhttp.NewRouter(cfg, handler, log),
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("control API listening", "address", cfg.Control.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
	case err = <-serveErr:
		if err != nil {
			log.Errorw("control API failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer cancel()

	if leaveErr := classroom.Leave(shutdownCtx); leaveErr != nil {
		log.Warnw("leave failed", "error", leaveErr)
	}
	events.Close()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnw("control API shutdown failed", "error", shutdownErr)
	}

	printSuccess(fmt.Sprintf("left %s after %s", room, utils.FormatDuration(time.Since(joinedAt))))
	return err
}

func classroomConfigFrom(cfg *config.Config) services.ClassroomConfig {
	return services.ClassroomConfig{
		Session: services.SessionConfig{
			OfferDelay:         cfg.Session.OfferDelay,
			RestartBackoff:     cfg.Session.RestartBackoff,
			RestartMaxAttempts: cfg.Session.RestartMaxAttempts,
		},
		Relay: services.RelayConfig{
			SignalTTL: cfg.Session.SignalTTL,
			DedupTTL:  cfg.Session.DedupTTL,
		},
	}
}
