// Package main is an offline CLI that evaluates conditions from a YAML
// fixture and prints the results, optionally with evaluation traces.
//
// With -remote the conditions are evaluated by a running engine; the
// fixture then only serves as the fallback when the engine is unreachable.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
	"github.com/jakekausler/campaign-manager-sub003/internal/cache"
	"github.com/jakekausler/campaign-manager-sub003/internal/client"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/evalapi"
	"github.com/jakekausler/campaign-manager-sub003/internal/evaluation"
	"github.com/jakekausler/campaign-manager-sub003/internal/graphcache"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
	"github.com/jakekausler/campaign-manager-sub003/internal/store/fixture"
)

// evaluator is satisfied by both the in-process API and the remote client.
type evaluator interface {
	EvaluateCondition(ctx context.Context, req *rulesv1.EvaluateConditionRequest) (*rulesv1.EvaluateConditionResponse, error)
	EvaluateConditions(ctx context.Context, req *rulesv1.EvaluateConditionsRequest) (*rulesv1.EvaluateConditionsResponse, error)
}

// options are the parsed command line flags.
type options struct {
	fixture     string
	campaignID  string
	branchID    string
	conditions  []string
	contextFile string
	trace       bool
	inOrder     bool
	graph       bool
	remote      string
	timeout     time.Duration
	verbose     bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	var conditions string

	fs := flag.NewFlagSet("rules-eval", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.fixture, "fixture", "", "YAML fixture with conditions, variables and effects (required)")
	fs.StringVar(&opts.campaignID, "campaign", "", "campaign id (required)")
	fs.StringVar(&opts.branchID, "branch", scope.DefaultBranch, "branch id")
	fs.StringVar(&conditions, "conditions", "", "comma-separated condition ids (default: every active condition of the branch)")
	fs.StringVar(&opts.contextFile, "context", "", "JSON file with the evaluation context (default: the fixture's context)")
	fs.BoolVar(&opts.trace, "trace", false, "print the evaluation trace of every condition")
	fs.BoolVar(&opts.inOrder, "dependency-order", true, "evaluate in dependency order")
	fs.BoolVar(&opts.graph, "graph", false, "print the evaluation order and dependency cycles")
	fs.StringVar(&opts.remote, "remote", "", "evaluate on a running engine at host:port, falling back to the fixture")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-call timeout in remote mode")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.fixture == "" {
		return options{}, errors.New("-fixture is required")
	}
	if opts.campaignID == "" {
		return options{}, errors.New("-campaign is required")
	}
	for _, id := range strings.Split(conditions, ",") {
		if id = strings.TrimSpace(id); id != "" {
			opts.conditions = append(opts.conditions, id)
		}
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(&config.AppConfig{Name: "rules-eval", Environment: config.EnvironmentDevelopment, LogLevel: level, LogFormat: "text"}, stderr)

	// 1. Load definitions and the evaluation context
	defs, err := fixture.LoadFile(opts.fixture)
	if err != nil {
		return err
	}
	s := scope.New(opts.campaignID, opts.branchID)
	if err := s.Validate(); err != nil {
		return err
	}

	contextJSON, err := loadContext(opts.contextFile, defs)
	if err != nil {
		return err
	}

	ids := opts.conditions
	if len(ids) == 0 {
		conds, err := defs.ListConditions(ctx, s)
		if err != nil {
			return err
		}
		for _, c := range conds {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no active conditions in %s", s)
	}

	// 2. Build the in-process engine
	cacheCfg := &config.CacheConfig{ResultTTL: time.Minute, MaxKeys: 1000, SweepInterval: time.Minute, GraphCapacity: 16}
	graphs, err := graphcache.NewManager(log, graphcache.NewBuilder(log, defs), cacheCfg)
	if err != nil {
		return err
	}
	defer graphs.Close()

	results, err := cache.NewResultCache(cacheCfg)
	if err != nil {
		return err
	}
	defer results.Close()

	orchestrator, err := evaluation.New(log, defs, graphs, results, &config.EvaluationConfig{MaxDepth: 10, MaxBatchSize: 500, ParsedCapacity: 256})
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	local := evalapi.NewAPI(orchestrator, graphs, results)

	var eval evaluator = local
	if opts.remote != "" {
		remote, closeRemote, err := dialRemote(ctx, log, opts, orchestrator)
		if err != nil {
			return err
		}
		defer closeRemote()
		eval = remote
	}

	// 3. Evaluate and render
	if opts.graph {
		if err := printGraph(ctx, stdout, local, s); err != nil {
			return err
		}
	}

	batch, err := eval.EvaluateConditions(ctx, &rulesv1.EvaluateConditionsRequest{
		ConditionIDs:       ids,
		ContextJSON:        contextJSON,
		UseDependencyOrder: opts.inOrder,
	})
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}
	fmt.Fprintln(stdout, renderResults(batch))

	if opts.trace {
		for _, id := range batch.EvaluationOrder {
			resp, err := eval.EvaluateCondition(ctx, &rulesv1.EvaluateConditionRequest{
				ConditionID:  id,
				ContextJSON:  contextJSON,
				IncludeTrace: true,
			})
			if err != nil {
				return fmt.Errorf("trace %s: %w", id, err)
			}
			fmt.Fprintln(stdout, renderTrace(resp.Result))
		}
	}
	return nil
}

// dialRemote connects to a running engine. The returned client falls back
// to the local orchestrator while the engine is unreachable.
func dialRemote(ctx context.Context, log *slog.Logger, opts options, local client.Fallback) (*client.Client, func(), error) {
	conn, err := client.Dial(ctx, log, opts.remote, 0, client.DefaultDialOptions()...)
	if err != nil {
		return nil, nil, err
	}
	c := client.New(log, rulesv1.NewEvaluationServiceClient(conn), local, &config.ClientConfig{
		Target:           opts.remote,
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		CallTimeout:      opts.timeout,
	})
	return c, func() { _ = conn.Close() }, nil
}

// loadContext reads the context file, or falls back to the fixture's
// default context.
func loadContext(path string, defs *fixture.Store) (string, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read context: %w", err)
		}
		return string(raw), nil
	}
	if defaults := defs.Context(); defaults != nil {
		raw, err := json.Marshal(defaults)
		if err != nil {
			return "", fmt.Errorf("fixture context: %w", err)
		}
		return string(raw), nil
	}
	return "", nil
}

// printGraph prints the order of every node of the scope's graph, not only
// the evaluated conditions, so variables and effects show up in place. A
// cyclic graph has no order; only its cycles are printed.
func printGraph(ctx context.Context, w io.Writer, api *evalapi.API, s scope.Scope) error {
	cycles, err := api.ValidateDependencies(ctx, &rulesv1.ValidateDependenciesRequest{
		CampaignID: s.CampaignID,
		BranchID:   s.BranchID,
	})
	if err != nil {
		return fmt.Errorf("validate dependencies: %w", err)
	}

	var order []string
	if !cycles.HasCycles {
		resp, err := api.GetEvaluationOrder(ctx, &rulesv1.GetEvaluationOrderRequest{
			CampaignID: s.CampaignID,
			BranchID:   s.BranchID,
		})
		if err != nil {
			return fmt.Errorf("evaluation order: %w", err)
		}
		order = resp.Order
	}
	fmt.Fprintln(w, renderGraph(s, order, cycles.Cycles))
	return nil
}
