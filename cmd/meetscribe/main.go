package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/meetscribe-ai/meetscribe/pkg/capture"
	"github.com/meetscribe-ai/meetscribe/pkg/config"
	"github.com/meetscribe-ai/meetscribe/pkg/namesvc"
	"github.com/meetscribe-ai/meetscribe/pkg/recorder"
	"github.com/meetscribe-ai/meetscribe/pkg/store"
	"github.com/meetscribe-ai/meetscribe/pkg/ui"
)

// logAdapter narrows *charmlog.Logger to the string-first logging surface
// the library packages expect.
type logAdapter struct {
	l *charmlog.Logger
}

func (a logAdapter) Debug(msg string, args ...interface{}) { a.l.Debug(msg, args...) }
func (a logAdapter) Info(msg string, args ...interface{})  { a.l.Info(msg, args...) }
func (a logAdapter) Warn(msg string, args ...interface{})  { a.l.Warn(msg, args...) }
func (a logAdapter) Error(msg string, args ...interface{}) { a.l.Error(msg, args...) }

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Note: No .env file found, using system environment variables")
	}

	var (
		configPath = pflag.StringP("config", "c", "", "YAML config file")
		title      = pflag.StringP("title", "t", "", "meeting title (default: timestamp)")
		resume     = pflag.StringP("resume", "r", "", "resume an existing meeting folder")
		video      = pflag.Bool("video", false, "enable periodic screenshots")
		listOnly   = pflag.BoolP("list", "l", false, "list meetings and exit")
		reprocess  = pflag.String("reprocess", "", "re-diarise an existing meeting folder and exit")
		stream     = pflag.String("stream", "both", "reprocess stream: system, mic or both")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *video {
		cfg.Video = true
	}

	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           parseLevel(cfg.LogLevel),
	})
	logs := logAdapter{l: logger}

	// a broken worker pipe must never take the host down
	signal.Ignore(syscall.SIGPIPE)

	st := store.New(cfg.BaseDir, logs)
	if err := st.MigrateLegacy(); err != nil {
		logger.Warn("legacy migration", "error", err)
	}

	if *listOnly {
		listMeetings(st)
		return
	}

	source := capture.NewMalgoSource(capture.MalgoConfig{}, logs)

	var publisher *ui.Publisher
	if cfg.UIAddr != "" {
		publisher = ui.NewPublisher(logs)
		if err := publisher.Listen(cfg.UIAddr); err != nil {
			logger.Warn("ui publisher disabled", "error", err)
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	ctrl := recorder.New(cfg, st, source, nil, publisher, logs)

	if *reprocess != "" {
		runReprocess(ctrl, logger, *reprocess, *stream)
		return
	}

	if status, _ := namesvc.New(cfg.NamingServiceURL).Probe(context.Background()); status == namesvc.StatusAvailable {
		logger.Info("speaker naming service available")
	} else {
		logger.Info("speaker naming service unavailable, names stay manual")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filter := capture.Filter{Label: "full display"}
	switch {
	case *resume != "":
		if err := ctrl.Resume(ctx, *resume, filter); err != nil {
			logger.Error("resume failed", "folder", *resume, "error", err)
			os.Exit(1)
		}
	default:
		name := *title
		if name == "" {
			name = "Meeting " + time.Now().Format("2006-01-02 15.04")
		}
		if err := ctrl.Start(ctx, name, filter); err != nil {
			logger.Error("start failed", "error", err)
			os.Exit(1)
		}
	}

	folder, _ := ctrl.Recording()
	logger.Info("recording", "folder", folder)
	fmt.Println("Recording. Press Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nStopping...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), recorder.GracefulExitTimeout+30*time.Second)
	defer stopCancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		logger.Error("stop reported errors", "error", err)
		os.Exit(1)
	}
	logger.Info("meeting saved", "folder", folder)
}

func listMeetings(st *store.Store) {
	meetings, err := st.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}
	for _, m := range meetings {
		fmt.Printf("%-40s  %s  %3d segments  %7.1fs  %s\n",
			m.Folder, m.CreatedAt.Local().Format("2006-01-02 15:04"),
			m.SegmentCount, m.DurationSeconds, m.Status)
	}
}

func runReprocess(ctrl *recorder.Controller, logger *charmlog.Logger, folder, stream string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := ctrl.Reprocess(ctx, folder, stream, func(stage string) {
		logger.Info("reprocess", "stage", stage)
	})
	if err != nil {
		logger.Error("reprocess failed", "folder", folder, "error", err)
		os.Exit(1)
	}
	logger.Info("reprocess complete", "turns", len(res.Turns), "speakers", len(res.Speakers), "duration", res.Duration)
}

func parseLevel(s string) charmlog.Level {
	switch s {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	}
	return charmlog.InfoLevel
}
