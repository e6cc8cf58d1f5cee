// voiceobs simulates, analyzes and validates voice conversation telemetry.
//
// simulate drives scripted conversations through the tracer and exports
// their spans; analyze classifies an exported JSONL stream offline and
// writes JSON, Markdown and HTML reports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/voice-observation/voiceobs/api/voice"
	"github.com/voice-observation/voiceobs/internal/observability/analysis"
	"github.com/voice-observation/voiceobs/internal/observability/metrics"
	"github.com/voice-observation/voiceobs/internal/observability/report"
	"github.com/voice-observation/voiceobs/internal/observability/telemetry"
	"github.com/voice-observation/voiceobs/internal/observability/telemetry/spanbridge"
	"github.com/voice-observation/voiceobs/internal/tooling/ops"
	"github.com/voice-observation/voiceobs/internal/tooling/simulate"
	"github.com/voice-observation/voiceobs/internal/tooling/validation"
	"github.com/voice-observation/voiceobs/pkg/failures"
	"github.com/voice-observation/voiceobs/pkg/voicetrace"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "voiceobs: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}
	switch args[0] {
	case "simulate":
		return runSimulate(args[1:], stdout, stderr, now)
	case "analyze":
		return runAnalyze(args[1:], stdout, stderr, now)
	case "thresholds":
		return runThresholds(args[1:], stdout)
	case "taxonomy":
		return runTaxonomy(args[1:], stdout)
	case "validate-report":
		return runValidateReport(args[1:], stdout)
	case "validate-thresholds":
		return runValidateThresholds(args[1:], stdout)
	case "validate-contracts":
		return runValidateContracts(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "voiceobs usage:")
	fmt.Fprintln(w, "  voiceobs simulate [--turns N] [--conversations N] [--jsonl path] [--otlp url] [--metrics-addr addr]")
	fmt.Fprintln(w, "  voiceobs analyze --input events.jsonl [--thresholds file] [--output report.json] [--markdown report.md] [--html report.html]")
	fmt.Fprintln(w, "  voiceobs thresholds [--thresholds file] [--format yaml|json]")
	fmt.Fprintln(w, "  voiceobs taxonomy [--format text|json|yaml]")
	fmt.Fprintln(w, "  voiceobs validate-report <report.json>")
	fmt.Fprintln(w, "  voiceobs validate-thresholds <file> [--mode strict|relaxed]")
	fmt.Fprintln(w, "  voiceobs validate-contracts [fixture_root]")
}

type logFlags struct {
	level  string
	format string
}

func (f *logFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.level, "log-level", "warn", "log level: debug, info, warn or error")
	fs.StringVar(&f.format, "log-format", "text", "log format: text or json")
}

func (f *logFlags) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", f.level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(f.format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (expected text|json)", f.format)
	}
}

func newFlagSet(name string, stdout io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stdout)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func loadThresholds(path string) (failures.Thresholds, error) {
	if strings.TrimSpace(path) != "" {
		return failures.LoadThresholdsFile(path)
	}
	return failures.ThresholdsFromEnv()
}

func runSimulate(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	fs := newFlagSet("simulate", stdout)
	var logs logFlags
	logs.register(fs)
	turns := fs.Int("turns", 6, "exchanges (user turn plus agent turn) per conversation")
	conversations := fs.Int("conversations", 1, "conversations to run concurrently")
	idPrefix := fs.String("id-prefix", "sim", "conversation id prefix")
	jsonlPath := fs.String("jsonl", "", "write telemetry events to this JSONL file")
	otlpURL := fs.String("otlp", "", "export telemetry to this OTLP/HTTP endpoint")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	linger := fs.Duration("linger", 0, "keep serving metrics this long after the run")
	thresholdsPath := fs.String("thresholds", "", "thresholds file (yaml, json or jsonc)")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if *turns < 1 {
		return fmt.Errorf("simulate requires --turns >=1")
	}
	if *conversations < 1 {
		return fmt.Errorf("simulate requires --conversations >=1")
	}

	logger, err := logs.logger(stderr)
	if err != nil {
		return err
	}
	th, err := loadThresholds(*thresholdsPath)
	if err != nil {
		return err
	}

	cfg, err := telemetry.RuntimeConfigFromEnv()
	if err != nil {
		return err
	}
	if *jsonlPath != "" {
		cfg.JSONLPath = *jsonlPath
	}
	if *otlpURL != "" {
		cfg.OTLPHTTPEndpoint = *otlpURL
	}
	// Every event of the run must fit in the queue: the virtual clock runs
	// far ahead of the export worker. A turn yields at most its span, two
	// stage spans with their duration samples, a latency sample and an
	// evaluation; failures add one sample per type and severity.
	perConversation := *turns*8 + 1 + len(voice.AllFailureTypes())*len(voice.AllSeverities())
	if needed := *conversations * perConversation; cfg.QueueCapacity < needed {
		cfg.QueueCapacity = needed
	}
	cfg.Logger = logger
	pipeline, err := telemetry.NewPipelineFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	var emitter telemetry.Emitter
	if pipeline != nil {
		emitter = pipeline
		previous := telemetry.DefaultEmitter()
		telemetry.SetDefaultEmitter(pipeline)
		defer telemetry.SetDefaultEmitter(previous)
	}

	m := metrics.New(prometheus.NewRegistry())
	sink := metrics.NewSink(spanbridge.NewTraceSink(emitter), m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var server *http.Server
	if *metricsAddr != "" {
		ln, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			return fmt.Errorf("listen metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		fmt.Fprintf(stdout, "metrics: http://%s/metrics\n", ln.Addr())
	}

	results := make([][]voice.Failure, *conversations)
	ids := make([]string, *conversations)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *conversations; i++ {
		i := i
		ids[i] = fmt.Sprintf("%s-%d", *idPrefix, i+1)
		g.Go(func() error {
			clock := simulate.NewClock(now())
			tracer := voicetrace.NewTracer(sink, voicetrace.WithClock(clock.Now), voicetrace.WithLogger(logger))
			conv, err := simulate.Run(gctx, tracer, clock, simulate.DefaultScript(ids[i], *turns), func(id string, ev failures.EvaluationObservation) {
				spanbridge.EmitEvaluation(emitter, id, ev)
			})
			if err != nil {
				return fmt.Errorf("conversation %s: %w", ids[i], err)
			}
			results[i] = conv.Classify(th)
			return nil
		})
	}
	runErr := g.Wait()

	for i, found := range results {
		if found == nil && runErr != nil {
			continue
		}
		m.ObserveFailures(found)
		spanbridge.EmitFailures(emitter, ids[i], found)
		printFailures(stdout, ids[i], found)
	}

	if pipeline != nil {
		if err := pipeline.Close(); err != nil {
			logger.Warn("telemetry close failed", "error", err)
		}
		stats := pipeline.Stats()
		fmt.Fprintf(stdout, "telemetry: exported=%d (spans=%d metrics=%d logs=%d) dropped=%d sampled_out=%d export_failures=%d\n",
			stats.Exported, stats.ExportedSpans, stats.ExportedMetrics, stats.ExportedLogs, stats.Dropped, stats.SampledOut, stats.ExportFailures)
	}

	if server != nil {
		if runErr == nil && *linger > 0 {
			select {
			case <-time.After(*linger):
			case <-ctx.Done():
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return runErr
}

func printFailures(w io.Writer, conversationID string, found []voice.Failure) {
	summary := failures.Summarize(found)
	if summary.Total == 0 {
		fmt.Fprintf(w, "conversation %s: no failures\n", conversationID)
		return
	}
	fmt.Fprintf(w, "conversation %s: %d failures (worst %s)\n", conversationID, summary.Total, summary.Worst)
	for _, f := range found {
		turn := "-"
		if f.TurnIndex != nil {
			turn = fmt.Sprintf("%d", *f.TurnIndex)
		}
		fmt.Fprintf(w, "  [%s] %s turn=%s: %s\n", f.Severity, f.Type, turn, f.Message)
	}
}

func runAnalyze(args []string, stdout, stderr io.Writer, now func() time.Time) error {
	fs := newFlagSet("analyze", stdout)
	var logs logFlags
	logs.register(fs)
	inputPath := fs.String("input", "", "telemetry JSONL file to analyze")
	thresholdsPath := fs.String("thresholds", "", "thresholds file (yaml, json or jsonc)")
	outputPath := fs.String("output", "", "write the JSON report here (default stdout)")
	markdownPath := fs.String("markdown", "", "write the Markdown summary here (default next to --output)")
	htmlPath := fs.String("html", "", "write an HTML rendering of the summary here")
	gates := ops.DefaultLatencyGateThresholds()
	fs.Float64Var(&gates.ResponseLatencyP95MS, "gate-p95-ms", gates.ResponseLatencyP95MS, "response latency p95 gate in milliseconds")
	fs.Float64Var(&gates.MaxInterruptionRate, "gate-interruption-rate", gates.MaxInterruptionRate, "maximum interruption rate per agent turn")
	failOnViolation := fs.Bool("fail", false, "exit non-zero when any conversation fails")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if strings.TrimSpace(*inputPath) == "" {
		return fmt.Errorf("analyze requires --input")
	}

	logger, err := logs.logger(stderr)
	if err != nil {
		return err
	}
	th, err := loadThresholds(*thresholdsPath)
	if err != nil {
		return err
	}

	f, err := os.Open(*inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	events, err := analysis.ReadEvents(f)
	f.Close()
	if err != nil {
		return err
	}
	logger.Debug("events loaded", "path", *inputPath, "count", len(events))

	reports, err := analysis.Analyze(events, th, analysis.WithGates(gates))
	if err != nil {
		return err
	}
	doc := report.NewDocument(reports, th, gates, now())

	if *outputPath == "" {
		if err := report.WriteJSON(stdout, doc); err != nil {
			return err
		}
	} else {
		if err := writeFile(*outputPath, func(w io.Writer) error { return report.WriteJSON(w, doc) }); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "report written: %s\n", *outputPath)
		if *markdownPath == "" {
			*markdownPath = strings.TrimSuffix(*outputPath, filepath.Ext(*outputPath)) + ".md"
		}
	}
	if *markdownPath != "" {
		if err := writeFile(*markdownPath, func(w io.Writer) error {
			_, err := io.WriteString(w, report.RenderMarkdown(doc))
			return err
		}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "summary written: %s\n", *markdownPath)
	}
	if *htmlPath != "" {
		html, err := report.RenderHTML(doc)
		if err != nil {
			return err
		}
		if err := writeFile(*htmlPath, func(w io.Writer) error {
			_, err := w.Write(html)
			return err
		}); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "html written: %s\n", *htmlPath)
	}

	if *failOnViolation && !doc.Passed {
		return fmt.Errorf("%d failures across %d conversations", doc.Totals.Total, len(doc.Conversations))
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func runThresholds(args []string, stdout io.Writer) error {
	fs := newFlagSet("thresholds", stdout)
	thresholdsPath := fs.String("thresholds", "", "thresholds file (yaml, json or jsonc)")
	format := fs.String("format", "yaml", "output format: yaml or json")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	th, err := loadThresholds(*thresholdsPath)
	if err != nil {
		return err
	}
	switch *format {
	case "yaml":
		raw, err := failures.MarshalThresholdsYAML(th)
		if err != nil {
			return err
		}
		_, err = stdout.Write(raw)
		return err
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(th)
	default:
		return fmt.Errorf("unsupported --format %q (expected yaml|json)", *format)
	}
}

func runTaxonomy(args []string, stdout io.Writer) error {
	fs := newFlagSet("taxonomy", stdout)
	format := fs.String("format", "text", "output format: text, json or yaml")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	defs := failures.Definitions()
	switch *format {
	case "text":
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tTHRESHOLD\tSIGNALS\tDESCRIPTION")
		for _, d := range defs {
			threshold := "-"
			if d.Unit != "" {
				threshold = fmt.Sprintf("%g %s", d.DefaultThreshold, d.Unit)
			}
			signals := strings.Join(d.Signals, ",")
			if signals == "" {
				signals = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Type, threshold, signals, d.Description)
		}
		return tw.Flush()
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	case "yaml":
		return yaml.NewEncoder(stdout).Encode(defs)
	default:
		return fmt.Errorf("unsupported --format %q (expected text|json|yaml)", *format)
	}
}

func runValidateReport(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("validate-report requires exactly one report path")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}
	if err := validation.ValidateReport(raw); err != nil {
		return fmt.Errorf("report %s invalid: %w", args[0], err)
	}
	fmt.Fprintf(stdout, "report valid: %s\n", args[0])
	return nil
}

func runValidateThresholds(args []string, stdout io.Writer) error {
	fs := newFlagSet("validate-thresholds", stdout)
	mode := fs.String("mode", "strict", "validation mode: strict or relaxed")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("validate-thresholds requires exactly one thresholds path")
	}
	path := fs.Arg(0)
	if _, err := validation.ValidateThresholdsFile(path, *mode); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "thresholds valid (%s): %s\n", *mode, path)
	return nil
}

func runValidateContracts(args []string, stdout io.Writer) error {
	root := filepath.Join("internal", "tooling", "validation", "testdata", "fixtures")
	if len(args) >= 1 {
		root = args[0]
	}
	summary, err := validation.ValidateContractFixtures(root)
	if err != nil {
		return fmt.Errorf("contract validation failed to execute: %w", err)
	}
	fmt.Fprintln(stdout, validation.RenderSummary(summary))
	if summary.Failed > 0 {
		return fmt.Errorf("%d contract fixtures failed", summary.Failed)
	}
	return nil
}
