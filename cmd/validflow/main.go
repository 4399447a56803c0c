// Command validflow inspects and operates the validation workflow store.
//
// Usage:
//
//	validflow plan --type validate_file        # show a profile's tier plan
//	validflow status --id <workflow-id>        # show one workflow's status
//	validflow workflows                        # list workflows
//	validflow checkpoints --id <workflow-id>   # list a workflow's checkpoints
//	validflow version                          # show version info
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/engine"
	"github.com/BaSui01/validflow/scheduler"
	"github.com/BaSui01/validflow/storage"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "plan":
		runPlan(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "workflows":
		runWorkflows(os.Args[2:])
	case "checkpoints":
		runCheckpoints(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runPlan(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	configPath := fs.String("config", "config/validflow.yaml", "Path to config file")
	wfType := fs.String("type", "", "Workflow type (profile name)")
	fs.Parse(args)

	if *wfType == "" {
		fmt.Fprintln(os.Stderr, "plan requires --type")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	profile, ok := cfg.Profiles[*wfType]
	if !ok {
		fmt.Fprintf(os.Stderr, "No profile named %q\n", *wfType)
		os.Exit(1)
	}

	plan, err := scheduler.PlanFromProfile(profile, cfg.Engine.DefaultValidatorTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid profile: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Profile %q: %d tiers\n", *wfType, plan.TotalSteps())
	byTier := make(map[int][]string)
	for _, v := range profile.Validators {
		if v.IsEnabled() {
			label := v.Name
			if len(v.DependsOn) > 0 {
				label = fmt.Sprintf("%s (after %v)", v.Name, v.DependsOn)
			}
			byTier[v.Tier] = append(byTier[v.Tier], label)
		}
	}
	for _, tier := range plan.TierOrdinals() {
		fmt.Printf("  tier %d:\n", tier)
		for _, name := range byTier[tier] {
			fmt.Printf("    %s\n", name)
		}
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "config/validflow.yaml", "Path to config file")
	id := fs.String("id", "", "Workflow id")
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "status requires --id")
		os.Exit(1)
	}

	db, cleanup := openStore(*configPath)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wf, err := db.GetWorkflow(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workflow lookup failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(engine.StatusOf(wf))
}

func runWorkflows(args []string) {
	fs := flag.NewFlagSet("workflows", flag.ExitOnError)
	configPath := fs.String("config", "config/validflow.yaml", "Path to config file")
	fs.Parse(args)

	db, cleanup := openStore(*configPath)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := db.ListWorkflows(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List workflows failed: %v\n", err)
		os.Exit(1)
	}
	for _, wf := range list {
		fmt.Printf("%s  %-10s  %-20s  step %d/%d\n",
			wf.ID, wf.State, wf.Type, wf.CurrentStep, wf.TotalSteps)
	}
}

func runCheckpoints(args []string) {
	fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	configPath := fs.String("config", "config/validflow.yaml", "Path to config file")
	id := fs.String("id", "", "Workflow id")
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "checkpoints requires --id")
		os.Exit(1)
	}

	db, cleanup := openStore(*configPath)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cps, err := db.List(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List checkpoints failed: %v\n", err)
		os.Exit(1)
	}
	for _, cp := range cps {
		printJSON(cp.Summarize())
	}
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", "config/validflow.yaml", "Path to config file")
	fs.Parse(args)

	db, cleanup := openStore(*configPath)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Database unreachable: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(configPath string) (*storage.DB, func()) {
	cfg := loadConfig(configPath)
	logger := initLogger(cfg.Log)

	db, err := storage.Open(cfg.Database, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	return db, func() {
		_ = db.Close()
		_ = logger.Sync()
	}
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	zapConfig.DisableCaller = !cfg.EnableCaller

	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func printJSON(v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(raw))
}

func printVersion() {
	fmt.Printf("validflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`validflow - tiered validation workflow engine

Usage:
  validflow <command> [options]

Commands:
  plan         Show the tier plan for a workflow type
  status       Show one workflow's status
  workflows    List workflows
  checkpoints  List a workflow's checkpoints
  health       Check database connectivity
  version      Show version info
  help         Show this help

Options:
  --config <path>   Path to config file (default: config/validflow.yaml)`)
}
