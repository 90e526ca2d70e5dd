// Package main provides the toolguard command-line entry point: a
// WebSocket proxy that enforces tool-invocation policy between an MCP
// client and the real tool server, plus a one-shot decision checker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolguard/toolguard/internal/audit"
	"github.com/toolguard/toolguard/internal/config"
	"github.com/toolguard/toolguard/internal/control"
	"github.com/toolguard/toolguard/internal/guard"
	"github.com/toolguard/toolguard/internal/policyfile"
	"github.com/toolguard/toolguard/internal/proxy"
	"github.com/toolguard/toolguard/internal/ratelimit"
	"github.com/toolguard/toolguard/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "toolguard",
		Short:   "Policy enforcement gateway for MCP tool invocations",
		Version: version,
	}

	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the enforcing WebSocket proxy",
		RunE:  runProxy,
	}
	proxyCmd.Flags().String("policy", "policy.yaml", "path to the policy file")
	proxyCmd.Flags().String("config", "", "path to the runtime config file")
	proxyCmd.Flags().String("target", "", "upstream tool server URL (overrides config)")
	proxyCmd.Flags().String("listen", "", "listen address (overrides config)")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a single tool call against a policy and print the decision",
		RunE:  runCheck,
	}
	checkCmd.Flags().String("policy", "policy.yaml", "path to the policy file")
	checkCmd.Flags().String("tool", "", "tool name to check")
	checkCmd.Flags().String("prompt", "", "prompt text to run through heuristics")
	checkCmd.Flags().String("identity", "anonymous", "calling identity")
	checkCmd.Flags().StringArray("resource", nil, "resource URI referenced by the call (repeatable)")
	checkCmd.Flags().Bool("dump-policy", false, "print the parsed policy back out as YAML and exit")
	_ = checkCmd.MarkFlagRequired("tool")

	rootCmd.AddCommand(proxyCmd, checkCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func configureLogging() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func loadPolicy(path string) (*policyfile.Policy, error) {
	p, err := policyfile.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	return p, nil
}

func buildGuard(p *policyfile.Policy, tracer *telemetry.Provider) (*guard.Guard, *audit.Index, error) {
	sink, err := audit.NewSink(p)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit sink: %w", err)
	}

	opts := []guard.Option{guard.WithTelemetry(tracer)}
	if p.RateBackend == policyfile.BackendShared {
		client := redis.NewClient(&redis.Options{Addr: p.RateConnection})
		opts = append(opts, guard.WithLimiter(ratelimit.NewRedisLimiter(client, p.RateCapacity, p.RateRefillRate, nil)))
	}

	var index *audit.Index
	if p.AuditIndexPath != "" {
		index, err = audit.NewIndex(p.AuditIndexPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening audit index: %w", err)
		}
		opts = append(opts, guard.WithIndex(index))
	}

	return guard.New(p, sink, opts...), index, nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	configureLogging()

	policyPath, _ := cmd.Flags().GetString("policy")
	configPath, _ := cmd.Flags().GetString("config")
	targetFlag, _ := cmd.Flags().GetString("target")
	listenFlag, _ := cmd.Flags().GetString("listen")

	p, err := loadPolicy(policyPath)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if targetFlag != "" {
		cfg.Target = targetFlag
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if cfg.Target == "" {
		return fmt.Errorf("no upstream target configured: pass --target or set target in the config file")
	}

	tracer, err := telemetry.NewProvider(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	}()

	g, index, err := buildGuard(p, tracer)
	if err != nil {
		return err
	}
	if index != nil {
		defer index.Close()
	}

	prox := proxy.New(cfg.Target, g, proxy.WithTelemetry(tracer))
	ctrl := control.New(prox, index)

	mux := http.NewServeMux()
	mux.Handle("/healthz", ctrl)
	mux.Handle("/metrics", ctrl)
	mux.Handle("/audit", ctrl)
	mux.HandleFunc("/", prox.ServeHTTP)

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	slog.Info("toolguard proxy starting", "listen", cfg.Listen, "target", cfg.Target)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	configureLogging()

	policyPath, _ := cmd.Flags().GetString("policy")
	tool, _ := cmd.Flags().GetString("tool")
	prompt, _ := cmd.Flags().GetString("prompt")
	identity, _ := cmd.Flags().GetString("identity")
	resources, _ := cmd.Flags().GetStringArray("resource")
	dumpPolicy, _ := cmd.Flags().GetBool("dump-policy")

	p, err := loadPolicy(policyPath)
	if err != nil {
		return err
	}

	if dumpPolicy {
		out, err := policyfile.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshaling policy: %w", err)
		}
		fmt.Print(out)
		return nil
	}

	g, index, err := buildGuard(p, telemetry.NoopProvider())
	if err != nil {
		return err
	}
	if index != nil {
		defer index.Close()
	}

	var promptPtr *string
	if prompt != "" {
		promptPtr = &prompt
	}

	decision, err := g.CheckTool(context.Background(), identity, tool, promptPtr, resources)
	if err != nil {
		fmt.Printf("DENY: %v\n", err)
		return nil
	}

	remaining := "n/a"
	if decision.QuotaRemaining != nil {
		remaining = fmt.Sprintf("%d", *decision.QuotaRemaining)
	}
	fmt.Printf("ALLOW: %s (quota remaining: %s)\n", decision.Reason, remaining)
	return nil
}
