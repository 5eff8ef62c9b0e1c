package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hanpama/projector/internal/eventbus"
	"github.com/hanpama/projector/internal/expr"
	"github.com/hanpama/projector/internal/introspection"
	"github.com/hanpama/projector/internal/logging"
	"github.com/hanpama/projector/internal/metrics"
	"github.com/hanpama/projector/internal/otel"
	"github.com/hanpama/projector/internal/planner"
	"github.com/hanpama/projector/internal/projection"
	"github.com/hanpama/projector/internal/registry"
	"github.com/hanpama/projector/internal/server"
)

const rootUsage = `projector — GraphQL projections over a static dataset

USAGE:
  projector <command> [flags]

COMMANDS:
  serve            Serve GraphQL queries over HTTP against a dataset
  plan             Print the projection tree compiled for a query
  eval             Run one query against a dataset and print the result
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -graphql.schema <file>         GraphQL SDL file. Repeatable; at least one required
  -data.file <file>              YAML or JSON dataset served as the root value (required)
  -data.watch                    Reload -data.file when it changes on disk
  -server.addr <addr>            HTTP listen address (default: :8080)
  -server.pretty                 Pretty-print JSON responses
  -server.timeout <duration>     Per-request timeout, e.g. 10s (default: 10s)
  -server.max-body <bytes>       Maximum request body size (default: 1048576)
  -server.cors-origin <origin>   Allowed CORS origin. Repeatable
  -cache.max-pooled <n>          Idle caches kept per query (default: 16, 0 = unbounded)
  -cache.max-plans <n>           Distinct query documents kept (default: 1024, 0 = unbounded)
  -metrics.path <path>           Prometheus endpoint path; empty disables (default: /metrics)
  -otel.endpoint <addr>          OTLP collector endpoint
  -otel.service <name>           OpenTelemetry service name (default: projector)
  -log.level <level>             Log level: debug, info, warn, error (default: info)
  -log.json                      Log in JSON
  SIGHUP reloads -data.file.
`

const planUsage = `plan FLAGS:
  -graphql.schema <file>   GraphQL SDL file. Repeatable; at least one required
  -query <file>            Query document (required; - reads stdin)
  -operation <name>        Operation to plan when the document has several
  -variables <file>        YAML or JSON variables; prints the compiled root expression
`

const evalUsage = `eval FLAGS:
  -graphql.schema <file>   GraphQL SDL file. Repeatable; at least one required
  -data.file <file>        YAML or JSON dataset (required)
  -query <file>            Query document (required; - reads stdin)
  -operation <name>        Operation to run when the document has several
  -variables <file>        YAML or JSON variables
  -pretty                  Pretty-print the JSON result
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		logrus.WithFields(logrus.Fields{
			"err": err,
		}).Fatal("projector failed")
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("projector", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs, stderr)
	case "plan":
		return cmdPlan(cmdArgs, stdin, stdout, stderr)
	case "eval":
		return cmdEval(cmdArgs, stdin, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "plan":
		fmt.Fprint(stdout, planUsage)
	case "eval":
		fmt.Fprint(stdout, evalUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return strings.Join(*s, ",") }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string, stderr io.Writer) error {
	var schemaFiles, corsOrigins stringListFlag
	dataFile := ""
	addr := ":8080"
	pretty := false
	timeout := 10 * time.Second
	maxBody := int64(1 << 20)
	maxPooled := 16
	maxPlans := 1024
	metricsPath := "/metrics"
	otelEndpoint := ""
	otelService := "projector"
	logLevel := "info"
	logJSON := false
	watch := false

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.Var(&schemaFiles, "graphql.schema", "GraphQL SDL file")
	fs.StringVar(&dataFile, "data.file", dataFile, "Dataset file")
	fs.BoolVar(&watch, "data.watch", watch, "Reload the dataset when the file changes")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Int64Var(&maxBody, "server.max-body", maxBody, "Maximum request body size")
	fs.Var(&corsOrigins, "server.cors-origin", "Allowed CORS origin")
	fs.IntVar(&maxPooled, "cache.max-pooled", maxPooled, "Idle caches kept per query")
	fs.IntVar(&maxPlans, "cache.max-plans", maxPlans, "Distinct query documents kept")
	fs.StringVar(&metricsPath, "metrics.path", metricsPath, "Prometheus endpoint path")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	fs.BoolVar(&logJSON, "log.json", logJSON, "Log in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	if len(schemaFiles) == 0 || dataFile == "" {
		fmt.Fprint(stderr, serveUsage)
		return fmt.Errorf("-graphql.schema and -data.file are required")
	}

	log, err := newLogger(stderr, logLevel, logJSON)
	if err != nil {
		return err
	}
	sch, err := loadSchema(schemaFiles)
	if err != nil {
		return err
	}
	data, err := loadDataFile(dataFile)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	eventbus.Use(bus)
	defer logging.Subscribe(bus, log)()
	shutdownOtel, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdownOtel(context.Background()) }()

	reg := registry.New(sch, registry.WithMaxPooled(maxPooled), registry.WithMaxPlans(maxPlans))
	sopts := []server.Option{server.WithMaxBodyBytes(maxBody)}
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if timeout > 0 {
		sopts = append(sopts, server.WithTimeout(timeout))
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}
	h, err := server.New(reg, data, sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	var metricsHandler http.Handler
	if metricsPath != "" {
		m := metrics.New()
		defer m.Subscribe(bus)()
		metricsHandler = m.Handler()
	}

	srv := &http.Server{Addr: addr, Handler: newRouter(h, metricsPath, metricsHandler)}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, h, dataFile, log)
	if watch {
		if err := watchDataset(ctx, h, dataFile, log); err != nil {
			return fmt.Errorf("watch dataset: %w", err)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.WithFields(logrus.Fields{
		"addr":    addr,
		"schema":  []string(schemaFiles),
		"dataset": dataFile,
	}).Info("GraphQL server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(out io.Writer, level string, jsonFormat bool) (*logrus.Logger, error) {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.Out = out
	log.Level = lvl
	if jsonFormat {
		log.Formatter = &logrus.JSONFormatter{}
	}
	return log, nil
}

// queryFlags are shared by plan and eval.
type queryFlags struct {
	schemaFiles   stringListFlag
	queryFile     string
	operation     string
	variablesFile string
}

func (q *queryFlags) register(fs *flag.FlagSet) {
	fs.Var(&q.schemaFiles, "graphql.schema", "GraphQL SDL file")
	fs.StringVar(&q.queryFile, "query", "", "Query document")
	fs.StringVar(&q.operation, "operation", "", "Operation name")
	fs.StringVar(&q.variablesFile, "variables", "", "Variables file")
}

func (q *queryFlags) validate() error {
	if len(q.schemaFiles) == 0 || q.queryFile == "" {
		return fmt.Errorf("-graphql.schema and -query are required")
	}
	return nil
}

func (q *queryFlags) variables() (map[string]any, error) {
	if q.variablesFile == "" {
		return nil, nil
	}
	return loadVariables(q.variablesFile)
}

func cmdPlan(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var q queryFlags
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	q.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, planUsage)
		return err
	}
	if err := q.validate(); err != nil {
		fmt.Fprint(stderr, planUsage)
		return err
	}

	sch, err := loadSchema(q.schemaFiles)
	if err != nil {
		return err
	}
	doc, err := loadQuery(q.queryFile, stdin)
	if err != nil {
		return err
	}
	plan, err := planner.Compile(introspection.Extend(sch), doc, q.operation)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	writePlan(stdout, plan)

	vars, err := q.variables()
	if err != nil || vars == nil {
		return err
	}
	m, err := plan.NewCacheManager()
	if err != nil {
		return err
	}
	return m.WithLease(context.Background(), func(l *projection.Lease) error {
		if err := plan.Bind(l, vars); err != nil {
			return err
		}
		root, err := l.RootExpression()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "\nroot: %s\n", expr.String(root))
		return nil
	})
}

func writePlan(w io.Writer, plan *planner.Plan) {
	tree := plan.Tree
	fmt.Fprintf(w, "nodes: %d (root %v)\n", tree.Len(), tree.Root())
	for i := 0; i < tree.Len(); i++ {
		id := projection.FromIndex(i)
		n := tree.Node(id)
		fmt.Fprintf(w, "%v %s", id, n.Name)
		if len(n.Children) > 0 {
			fmt.Fprintf(w, " children=%v", n.Children)
		}
		if ids := tree.EffectiveDependencies(id).IDs(); len(ids) > 0 {
			fmt.Fprintf(w, " deps=%v", ids)
		}
		if n.Dependencies.HasExpressionDependencies {
			fmt.Fprint(w, " runtime")
		}
		fmt.Fprintln(w)
	}
	if len(plan.Variables) > 0 {
		fmt.Fprintln(w, "variables:")
		for _, v := range plan.Variables {
			fmt.Fprintf(w, "  %v $%s: %s\n", v.ID, v.Name, v.Type)
		}
	}
	fmt.Fprintln(w, "selections:")
	for _, path := range plan.SelectionPaths() {
		node, _ := tree.Selection(plan.Selections[path])
		fmt.Fprintf(w, "  %s -> %v\n", path, node)
	}
}

func cmdEval(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var q queryFlags
	dataFile := ""
	pretty := false
	fs := flag.NewFlagSet("eval", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	q.register(fs)
	fs.StringVar(&dataFile, "data.file", dataFile, "Dataset file")
	fs.BoolVar(&pretty, "pretty", pretty, "Pretty-print the JSON result")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, evalUsage)
		return err
	}
	if err := q.validate(); err != nil {
		fmt.Fprint(stderr, evalUsage)
		return err
	}
	if dataFile == "" {
		fmt.Fprint(stderr, evalUsage)
		return fmt.Errorf("-data.file is required")
	}

	sch, err := loadSchema(q.schemaFiles)
	if err != nil {
		return err
	}
	data, err := loadDataFile(dataFile)
	if err != nil {
		return err
	}
	query, err := readSource(q.queryFile, stdin)
	if err != nil {
		return err
	}
	vars, err := q.variables()
	if err != nil {
		return err
	}

	res, err := registry.New(sch).Execute(context.Background(), registry.Request{
		Query:         query,
		OperationName: q.operation,
		Variables:     vars,
	}, data)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(map[string]any{"data": res.Data})
}
