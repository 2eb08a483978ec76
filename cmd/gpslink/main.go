package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/gpslink/internal/bringup"
	"github.com/shaunagostinho/gpslink/internal/config"
	"github.com/shaunagostinho/gpslink/internal/eventloop"
	"github.com/shaunagostinho/gpslink/internal/gps"
	"github.com/shaunagostinho/gpslink/internal/heartbeat"
	"github.com/shaunagostinho/gpslink/internal/logger"
	"github.com/shaunagostinho/gpslink/internal/publish"
	"github.com/shaunagostinho/gpslink/internal/server"
	"github.com/shaunagostinho/gpslink/internal/session"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logrus.WithField("module", "main").Infof("received %v, shutting down", sig)
		cancel()
	}()

	if err := newRootCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	demo       bool
	mode       string
	port       string
	listenAddr string
	logLevel   string
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", config.DefaultPath, "Path to config file")
	fs.BoolVar(&o.demo, "demo", false, "Run against a simulated receiver")
	fs.StringVar(&o.mode, "mode", "", "Override gps.mode (global, explicit, demo)")
	fs.StringVar(&o.port, "port", "", "Override the GPS serial port (e.g. /dev/ttyUSB0)")
	fs.StringVar(&o.listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	fs.StringVar(&o.logLevel, "log-level", "", "Override logging.level")
}

// apply layers the flags over the loaded config.
func (o *options) apply(cfg *config.Config) {
	if o.mode != "" {
		cfg.GPS.Mode = o.mode
	}
	if o.demo {
		cfg.GPS.Mode = config.ModeDemo
	}
	if o.port != "" {
		cfg.GPS.UART.Port = o.port
	}
	if o.listenAddr != "" {
		cfg.Server.ListenAddr = o.listenAddr
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}

func newRootCommand(ctx context.Context) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "gpslink",
		Short:        "Bring up a PMTK GPS receiver and report its fixes",
		Long:         "gpslink brings up a serial GPS receiver, negotiates its baud and fix rate, and reports connection and position events.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(ctx, opts)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg := config.LoadConfig(opts.configPath, logrus.StandardLogger())
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	mainLog := log.WithField("module", "main")
	mainLog.Infof("gpslink starting (%s mode)", cfg.GPS.Mode)

	loop := eventloop.New(256)

	var drv bringup.Driver
	switch cfg.GPS.Mode {
	case config.ModeDemo:
		drv = gps.NewDemoDriver(loop, log)
	default:
		uartDrv := gps.NewDriver(loop, log)
		defer uartDrv.Close()
		if cfg.GPS.Mode == config.ModeGlobal {
			// A missing device surfaces as a bring-up failure below.
			if err := uartDrv.InitGlobal(cfg.GPS.UART); err != nil {
				mainLog.WithError(err).Error("global GPS device not created")
			}
		}
		drv = uartDrv
	}

	sess := session.New(log, session.Options{
		FixRate:       cfg.GPS.FixRate(),
		FallbackBauds: cfg.GPS.Fallbacks(),
	})

	if cfg.Recorder.Enabled {
		rec := logger.New(cfg.Recorder, log)
		defer rec.Close()
		sess.AddSink(rec)
	}

	if cfg.MQTT.Enabled {
		pub := publish.New(cfg.MQTT, log)
		defer pub.Close()
		// Non-blocking: the GPS starts regardless of the broker
		go connectWithRetry(ctx, mainLog, "mqtt", pub, 10)
		sess.AddSink(pub)
	}

	if cfg.Server.ListenAddr != "" {
		srv := server.New(cfg, sess, log)
		sess.AddSink(srv)
		go func() {
			if err := srv.Run(ctx); err != nil {
				mainLog.WithError(err).Error("server exited")
			}
		}()
	}

	if _, err := bringup.Run(drv, sess, bringup.ForConfig(cfg.GPS), log); err != nil {
		mainLog.WithError(err).Error("GPS bring-up failed")
		return err
	}

	var led heartbeat.LED
	if pin := cfg.Heartbeat.LEDPin; pin != "" {
		if led, err = heartbeat.OpenLED(pin); err != nil {
			mainLog.WithError(err).Warn("status LED disabled")
		}
	}
	hb := heartbeat.New(log, led)
	hb.Start(loop, time.Duration(cfg.Heartbeat.IntervalMs)*time.Millisecond)
	defer hb.Stop()

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	mainLog.Info("stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	log := logrus.New()
	log.SetLevel(level)
	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// connectable is satisfied by the MQTT publisher.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log logrus.FieldLogger, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.WithError(err).Warnf("[%s] connect attempt %d/%d failed (retry in %v)",
					name, attempt, maxAttempts, delay)
			} else {
				log.WithError(err).Warnf("[%s] connect attempt %d failed (retry in %v)",
					name, attempt, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Infof("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
