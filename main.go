// schemaflow: schema-governed streaming data pipelines
//
// Usage:
//
//	schemaflow init                        # Create a starter pipeline.yaml
//	schemaflow validate pipeline.yaml      # Validate pipeline definitions
//	schemaflow schema validate lead.yaml   # Check a schema definition
//	schemaflow dry-run pipeline.yaml       # Run transformations over stdin JSONL
//	schemaflow serve --config schemaflow.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/internal/cli"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/alerting"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/api"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/config"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/engine"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/metrics"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/observability"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/store"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/transform"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/vault"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	if len(os.Args) < 2 {
		cli.PrintBanner()
		printUsage()
		os.Exit(0)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit(args)
	case "validate":
		err = cmdValidate(args, os.Stdout)
	case "schema":
		err = cmdSchema(args, os.Stdout)
	case "dry-run":
		err = cmdDryRun(args, os.Stdin, os.Stdout, os.Stderr)
	case "serve":
		err = cmdServe(args)
	case "version":
		fmt.Printf("schemaflow %s\n", cli.Version)
	case "help", "--help", "-h":
		cli.PrintBanner()
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %s\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: schemaflow <command> [options]

Commands:
  init     [file]              Create a starter pipeline definition
  validate <file|dir>          Validate pipeline definitions
  schema   validate <file>     Check a schema definition (YAML or JSON)
  dry-run  <file>              Run the transformations of a definition over stdin (JSONL)
  serve    [--config <file>]   Start the engine, REST API and metrics endpoints
  version                      Print version

Environment:
  SCHEMAFLOW_*                 Overrides any setting, e.g. SCHEMAFLOW_SERVER_ADDR=:8081

Examples:
  schemaflow init
  schemaflow validate pipelines/
  schemaflow schema validate schemas/lead.yaml
  schemaflow dry-run pipeline.yaml < leads.jsonl
  schemaflow serve --config schemaflow.yaml`)
}

// ═══════════════════════════════════════════
// init: Create a starter definition
// ═══════════════════════════════════════════

func cmdInit(args []string) error {
	filename := "pipeline.yaml"
	if len(args) > 0 {
		filename = args[0]
	}
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%s already exists", filename)
	}
	if err := os.WriteFile(filename, []byte(starterPipeline), 0o644); err != nil {
		return err
	}
	fmt.Printf("✅ Created %s\n", filename)
	fmt.Println("   Edit it, then run: schemaflow validate", filename)
	return nil
}

const starterPipeline = `apiVersion: schemaflow/v1
kind: Pipeline

pipeline:
  name: crm-leads
  description: "Landing page leads into the CRM"
  schemaId: lead

  source:
    type: http_poll
    config:
      url: http://localhost:3000/api/leads
      poll_interval: 30s
      data_path: data

  transformations:
    - id: has-phone
      type: filter
      config:
        expression: payload.phone != null
    - id: normalize
      type: map
      config:
        mappings:
          - {source: mobile, target: phone, transform: trim, deleteSource: true}
          - {source: id_card, target: id_card, transform: hash}

  sink:
    type: postgres
    config:
      table: leads
      key_field: id

  errorPolicy:
    retryCount: 3
    retryDelayMs: 1000
    useDeadLetterQueue: true
    alertOnError: true

  concurrency:
    partitions: 4

  monitoring:
    alerts:
      - name: high_error_rate
        type: error_rate
        threshold: "5%"
        severity: critical
      - name: slow_sink
        type: latency
        threshold: 500ms
        severity: warning
`

// ═══════════════════════════════════════════
// validate: Check definitions
// ═══════════════════════════════════════════

func cmdValidate(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: schemaflow validate <file|dir>")
	}

	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var files []config.DefinitionResult
	if info.IsDir() {
		if files, err = config.LoadAll(path); err != nil {
			return err
		}
	} else {
		f, err := config.LoadDefinition(path)
		if err != nil {
			return err
		}
		files = append(files, config.DefinitionResult{File: f, Path: path})
	}
	if len(files) == 0 {
		return fmt.Errorf("no definitions found in %s", path)
	}

	allValid := true
	for _, fr := range files {
		result := config.ValidateFile(fr.File)
		cli.PrintValidation(out, fr.Path, fr.File.Pipeline.Name, result)
		if result.IsValid() {
			cli.PrintSummary(out, fr.File.Pipeline)
		} else {
			allValid = false
		}
	}
	if !allValid {
		return fmt.Errorf("validation failed")
	}

	fmt.Fprintf(out, "\n✅ All %d pipeline(s) valid\n", len(files))
	return nil
}

// ═══════════════════════════════════════════
// schema validate: Check a schema definition
// ═══════════════════════════════════════════

func cmdSchema(args []string, out io.Writer) error {
	if len(args) < 2 || args[0] != "validate" {
		return fmt.Errorf("usage: schemaflow schema validate <file>")
	}
	sc, err := loadSchema(args[1])
	if err != nil {
		return err
	}

	reg := schema.New()
	res, err := reg.Register(context.Background(), sc)
	if err != nil {
		var de *schema.DefinitionError
		if errors.As(err, &de) {
			fmt.Fprintf(out, "\n📐 %s (%s)\n", sc.Name, args[1])
			for _, p := range de.Problems {
				fmt.Fprintf(out, "   ❌ %s\n", p)
			}
			return fmt.Errorf("schema invalid")
		}
		return err
	}

	avroJSON, err := schema.AvroSchema(&sc)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n📐 %s (%s)\n   ✅ Valid: id=%s fields=%d subject=%s\n   avro: %s\n",
		sc.Name, args[1], res.ID, len(sc.Fields), schema.Subject(&sc), avroJSON)
	return nil
}

// loadSchema reads a schema definition. YAML is a superset of JSON, so
// one decoder serves both.
func loadSchema(path string) (v1.Schema, error) {
	var sc v1.Schema
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("read schema: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse schema %s: %w", filepath.Base(path), err)
	}
	return sc, nil
}

// ═══════════════════════════════════════════
// dry-run: Apply transformations to stdin
// ═══════════════════════════════════════════

func cmdDryRun(args []string, in io.Reader, out, diag io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: schemaflow dry-run <file> < events.jsonl")
	}

	f, err := config.LoadDefinition(args[0])
	if err != nil {
		return err
	}
	def := f.Pipeline

	chain, err := transform.NewChain(def.Transformations)
	if err != nil {
		return fmt.Errorf("build transformations: %w", err)
	}
	defer chain.Close()

	fmt.Fprintf(diag, "🔧 Pipeline: %s (%d transformations)\n", def.Name, chain.Len())
	fmt.Fprintf(diag, "📥 Reading events from stdin...\n\n")

	ctx := context.Background()
	total, passed, filtered, failed := 0, 0, 0, 0

	dec := json.NewDecoder(in)
	for dec.More() {
		var payload map[string]any
		if err := dec.Decode(&payload); err != nil {
			fmt.Fprintf(diag, "⚠️  Parse error: %s\n", err)
			failed++
			break
		}
		total++

		ev := &v1.DataEvent{
			ID:         fmt.Sprintf("dry-run-%d", total),
			PipelineID: def.Name,
			Source:     string(v1.SourceManual),
			Timestamp:  time.Now().UTC(),
			Payload:    payload,
			Operation:  v1.OpCreate,
		}
		res, err := chain.Apply(ctx, ev)
		switch {
		case errors.Is(err, transform.ErrFiltered):
			filtered++
			continue
		case err != nil:
			fmt.Fprintf(diag, "❌ Transformation error on event %d: %s\n", total, err)
			failed++
			continue
		}

		line, _ := json.Marshal(res.Payload)
		fmt.Fprintln(out, string(line))
		passed++
	}

	fmt.Fprintf(diag, "\n📊 Results: %d in → %d out, %d filtered, %d errors\n",
		total, passed, filtered, failed)
	return nil
}

// ═══════════════════════════════════════════
// serve: Run the engine
// ═══════════════════════════════════════════

func cmdServe(args []string) error {
	settings, err := config.LoadSettings(flagValue(args, "--config"))
	if err != nil {
		return err
	}
	logger, err := logging.New(settings.Log.Level, settings.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.Options{
		Path:     settings.Store.Path,
		InMemory: settings.Store.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	registry, closeRegistry, err := buildRegistry(ctx, settings, db, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	vc, err := vault.New(ctx, vault.Options{
		Addr:   settings.Vault.Addr,
		Token:  settings.Vault.Token,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	resolver := sink.NewResolver(vc)

	engOpts := []engine.Option{
		engine.WithRegistry(registry),
		engine.WithResolver(resolver),
		engine.WithRouter(sink.NewRouter(
			sink.WithResolver(resolver),
			sink.WithDefaultTimeout(settings.Engine.DefaultTimeout),
			sink.WithLogger(logger),
		)),
		engine.WithTransformOptions(transform.WithPIISalt(settings.Engine.PIISalt)),
		engine.WithDefaultPartitions(settings.Engine.DefaultPartitions),
		engine.WithStopTimeout(settings.Engine.StopTimeout),
		engine.WithLogger(logger),
	}
	slack := alerting.NewSlackAlerter(settings.Slack.WebhookURL,
		alerting.WithChannel(settings.Slack.Channel),
		alerting.WithMinSeverity(settings.Slack.MinSeverity),
		alerting.WithSlackLogger(logger),
	)
	if slack != nil {
		engOpts = append(engOpts, engine.WithAlerter(slack))
		defer slack.Wait()
	}

	eng, err := engine.New(db, engOpts...)
	if err != nil {
		return err
	}
	if err := eng.Open(ctx); err != nil {
		return err
	}
	if dir := settings.Engine.DefinitionsDir; dir != "" {
		if err := loadDefinitions(ctx, eng, dir, logger); err != nil {
			return err
		}
	}

	prom := metrics.NewPrometheusPublisher()
	reporter := metrics.NewReporter(eng,
		metrics.WithInterval(settings.Metrics.Interval),
		metrics.WithPublisher(metrics.NewLogPublisher(logger)),
		metrics.WithPublisher(prom),
		metrics.WithPublisher(eng.RulePublisher()),
		metrics.WithReporterLogger(logger),
	)

	obs := observability.NewServer(settings.Observability.Addr,
		observability.WithGatherer(prom.Registry()),
		observability.WithStatus(eng.Statuses),
		observability.WithSnapshot(reporter.Last),
		observability.WithLogger(logger),
	)
	if err := obs.Start(); err != nil {
		return err
	}
	obs.SetReady(true)

	srv := api.New(eng, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error { return srv.Listen(settings.Server.Addr) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		obs.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Engine.StopTimeout+5*time.Second)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		if err := eng.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("engine close: %w", err))
		}
		reporter.Collect(shutdownCtx)
		if err := obs.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	logger.Info("schemaflow started",
		zap.String("version", cli.Version),
		zap.String("api", settings.Server.Addr),
		zap.String("observability", settings.Observability.Addr),
		zap.Int("pipelines", len(eng.List(ctx))),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("schemaflow stopped")
	return nil
}

// buildRegistry wires the schema registry to the store and, when
// configured, to Redis change notifications and a Confluent mirror.
func buildRegistry(ctx context.Context, s *config.Settings, db *store.Store, logger *zap.Logger) (*schema.Registry, func(), error) {
	opts := []schema.Option{schema.WithStore(db), schema.WithLogger(logger)}
	closer := func() {}

	if s.Redis.Addr != "" {
		n, err := schema.NewRedisNotifier(ctx, s.Redis.Addr, s.Redis.Password, s.Redis.DB, s.Redis.Channel, logger)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, schema.WithNotifier(n))
		closer = func() { _ = n.Close() }
	}
	if s.SchemaRegistry.URL != "" {
		opts = append(opts, schema.WithMirror(schema.NewConfluentMirror(
			s.SchemaRegistry.URL, s.SchemaRegistry.Username, s.SchemaRegistry.Password,
		)))
	}
	return schema.New(opts...), closer, nil
}

// loadDefinitions creates every valid definition of dir whose name is
// not registered yet.
func loadDefinitions(ctx context.Context, eng *engine.Engine, dir string, logger *zap.Logger) error {
	files, err := config.LoadAll(dir)
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	for _, def := range eng.List(ctx) {
		known[def.Name] = true
	}
	for _, fr := range files {
		def := fr.File.Pipeline
		if known[def.Name] {
			continue
		}
		if res := config.ValidateFile(fr.File); !res.IsValid() {
			logger.Warn("skipping invalid definition", zap.String("path", fr.Path), zap.Error(res.Err()))
			continue
		}
		created, err := eng.Create(ctx, def)
		if err != nil {
			return fmt.Errorf("%s: %w", fr.Path, err)
		}
		known[def.Name] = true
		logger.Info("definition loaded", zap.String("path", fr.Path), zap.String("pipeline_id", created.ID))
	}
	return nil
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, name+"="); ok {
			return v
		}
	}
	return ""
}
