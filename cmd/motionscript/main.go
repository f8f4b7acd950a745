// Command motionscript converts a recorded human-motion video into an
// executable robot control script. It expects the external decode and pose
// steps to have dumped frames and pose sidecars into a directory; it runs
// event detection, classification fusion, timeline reconciliation and
// script synthesis over them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/motionscript/internal/audit"
	"example.com/motionscript/internal/config"
	"example.com/motionscript/internal/fusion"
	"example.com/motionscript/internal/persistence/postgres"
	"example.com/motionscript/internal/pipeline"
	"example.com/motionscript/internal/synth"
)

var supportedFormats = []string{".mp4", ".avi", ".mov", ".mkv", ".wmv"}

func main() {
	var (
		videoPath  = flag.String("video", "", "source video file (for metadata and output naming)")
		framesDir  = flag.String("frames", "", "directory of extracted frames and pose sidecars (default: <video>_frames)")
		configPath = flag.String("config", "", "YAML configuration file")
		outDir     = flag.String("out", ".", "output root directory")
		fps        = flag.Float64("fps", 30, "frame rate of the extracted frames")
		dryRun     = flag.Bool("dry-run", false, "run the pipeline but do not write the script file")
		progress   = flag.Bool("progress", true, "show a frame progress bar")
	)
	flag.Parse()

	if *videoPath == "" {
		log.Fatal("missing required -video flag")
	}
	if err := validateVideoPath(*videoPath); err != nil {
		log.Fatalf("invalid video: %v", err)
	}
	if *framesDir == "" {
		*framesDir = strings.TrimSuffix(*videoPath, filepath.Ext(*videoPath)) + "_frames"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	resultsDir := filepath.Join(*outDir, cfg.Audit.Dir)
	scriptsDir := filepath.Join(*outDir, "robot_scripts")
	for _, dir := range []string{resultsDir, scriptsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create output directory %s: %v", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	if err := run(ctx, cfg, *videoPath, *framesDir, resultsDir, scriptsDir, *fps, *dryRun, *progress); err != nil {
		if errors.Is(err, synth.ErrCalibrationInvalid) {
			log.Printf("calibration invalid, aborting before synthesis: %v", err)
		} else {
			log.Printf("pipeline failed: %v", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, videoPath, framesDir, resultsDir, scriptsDir string, fps float64, dryRun, progress bool) error {
	source, err := pipeline.NewDirSource(framesDir, fps)
	if err != nil {
		return fmt.Errorf("frame source: %w", err)
	}
	defer source.Close()

	classifier, err := fusion.NewGeminiClassifier(cfg.Fusion)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	stamp := time.Now().Format("20060102_150405")

	auditLog, err := audit.NewLog(filepath.Join(resultsDir, fmt.Sprintf("%s_%s_classifications.jsonl", base, stamp)))
	if err != nil {
		return err
	}
	defer auditLog.Close()

	var publisher *audit.Publisher
	if len(cfg.Audit.KafkaBrokers) > 0 {
		publisher = audit.NewPublisher(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		defer publisher.Close()
	}

	scriptPath := filepath.Join(scriptsDir, fmt.Sprintf("%s_%s.rcs", base, stamp))
	var scriptFile *os.File
	opts := pipeline.Options{
		Source:     source,
		Extractor:  pipeline.SidecarExtractor{},
		Classifier: classifier,
		AuditLog:   auditLog,
		Publisher:  publisher,
		VideoPath:  videoPath,
		Progress:   progress,
	}
	if !dryRun {
		scriptFile, err = os.Create(scriptPath)
		if err != nil {
			return fmt.Errorf("create script file: %w", err)
		}
		defer scriptFile.Close()
		opts.ScriptWriter = scriptFile
	}

	p, err := pipeline.New(cfg, opts)
	if err != nil {
		return err
	}

	summary, err := p.Run(ctx)
	if err != nil {
		return err
	}

	log.Printf("run %s complete: %d frames (%d skipped, %d without pose), %d events, %d segments, %d commands",
		summary.RunID, summary.Frames, summary.SkippedFrames, summary.NoPoseFrames,
		summary.Events, len(summary.Segments), summary.Commands)
	if !dryRun {
		log.Printf("robot script written to %s", scriptPath)
	}

	if cfg.Archive.PostgresURL != "" {
		if err := archive(ctx, cfg.Archive.PostgresURL, summary); err != nil {
			// The script is already on disk; a broken archive is not fatal.
			log.Printf("archive failed: %v", err)
		}
	}
	return nil
}

func archive(ctx context.Context, url string, summary pipeline.Summary) error {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool)
	return repo.SaveRun(ctx, postgres.RunSummary{
		RunID:     summary.RunID,
		VideoPath: summary.VideoPath,
		Duration:  summary.Duration,
		Frames:    summary.Frames,
		Events:    summary.Events,
		Commands:  summary.Commands,
	}, summary.Segments)
}

func validateVideoPath(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	for _, supported := range supportedFormats {
		if ext == supported {
			return nil
		}
	}
	return fmt.Errorf("unsupported format %q (supported: %s)", ext, strings.Join(supportedFormats, ", "))
}
