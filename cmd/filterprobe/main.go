package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soundstarrain/LLM-Filter-Probe/internal/engine"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/report"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/scanner"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/server"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/session"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/verify"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/config"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

func main() {
	var (
		configPath   string
		inputPath    string
		inputText    string
		reportPath   string
		settingsPath string
		addr         string
		serve        bool
		verifyMode   bool
		verbose      bool
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML/JSON scan configuration file")
	flag.StringVar(&configPath, "f", "", "Path to YAML/JSON scan configuration file (shorthand)")
	flag.StringVar(&inputPath, "input", "", "Path to the text file to scan")
	flag.StringVar(&inputText, "text", "", "Text to scan (alternative to -input)")
	flag.StringVar(&reportPath, "report", "report.json", "Where to save the JSON report")
	flag.StringVar(&settingsPath, "settings", "settings.json", "Settings store used in server mode")
	flag.StringVar(&addr, "addr", ":8080", "Listen address in server mode")
	flag.BoolVar(&serve, "serve", false, "Run the HTTP polling API instead of a one-shot scan")
	flag.BoolVar(&verifyMode, "verify", false, "Verify API credentials with a single probe and exit")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		runServer(ctx, addr, settingsPath, logger)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "a configuration file is required: filterprobe -config scan.yaml -input text.txt")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if verifyMode {
		result := verify.Credentials(ctx, cfg.APIURL, cfg.APIKey, cfg.Model, cfg.Timeout, logger)
		verify.Print(os.Stdout, cfg.APIURL, cfg.Model, result)
		if !result.OK {
			os.Exit(1)
		}
		return
	}

	text := inputText
	if text == "" {
		if inputPath == "" {
			fmt.Fprintln(os.Stderr, "provide the text to scan via -input or -text")
			os.Exit(1)
		}
		data, err := os.ReadFile(inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read input file: %v\n", err)
			os.Exit(1)
		}
		text = string(data)
	}

	results, err := runScan(ctx, cfg, text, logger)
	if err != nil {
		if models.CodeOf(err) == models.CodeScanCancelled {
			fmt.Fprintln(os.Stderr, "scan canceled")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}

	report.PrintConsole(os.Stdout, text, results)
	if reportPath != "" {
		if err := report.SaveJSON(reportPath, results); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save report: %v\n", err)
		} else {
			fmt.Printf("report saved to %s\n", reportPath)
		}
	}
}

// runScan executes a one-shot scan, bridging scan events onto the console.
func runScan(ctx context.Context, cfg models.ScanConfig, text string, logger *slog.Logger) (models.ScanResults, error) {
	eng := engine.NewEngine(cfg, logger)
	defer eng.Close()

	sink := func(ev scanner.Event) {
		switch ev.Event {
		case "log":
			level, _ := ev.Data["level"].(string)
			msg, _ := ev.Data["message"].(string)
			switch level {
			case "error":
				logger.Error(msg)
			case "warning":
				logger.Warn(msg)
			default:
				logger.Info(msg)
			}
		case "progress":
			logger.Debug("progress",
				"scanned", ev.Data["scanned"],
				"total", ev.Data["total"],
				"sensitive_count", ev.Data["sensitive_count"])
		case "unknown_status_code":
			logger.Warn("unknown status code", "status_code", ev.Data["status_code"])
		}
	}

	emitter := scanner.NewEventEmitter(sink, "cli", logger)
	sc := scanner.NewTextScanner(eng, emitter, cfg, logger)
	return sc.Scan(ctx, text)
}

// runServer starts the HTTP polling surface with graceful shutdown.
func runServer(ctx context.Context, addr, settingsPath string, logger *slog.Logger) {
	store := config.NewStore(settingsPath)
	manager := session.NewManager(store, logger)
	srv := server.New(manager, store, logger)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("starting server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server init failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	manager.Shutdown()
	logger.Info("server exiting")
}
