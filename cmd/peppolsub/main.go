// Command peppolsub runs one dispatch or poll batch and exits, or prints
// dispatch counts and circuit breaker state for the read-only jobs. Exit
// codes: 0 all records processed, 1 infrastructure failure, 2 partial
// failure, 3 skipped because another run holds the batch lock.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/deinte/peppolsub/internal/batchlock"
	"github.com/deinte/peppolsub/internal/breaker"
	"github.com/deinte/peppolsub/internal/clock"
	"github.com/deinte/peppolsub/internal/config"
	"github.com/deinte/peppolsub/internal/dispatch"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	"github.com/deinte/peppolsub/internal/identity"
	"github.com/deinte/peppolsub/internal/logger"
	"github.com/deinte/peppolsub/internal/migration"
	"github.com/deinte/peppolsub/internal/observability"
	"github.com/deinte/peppolsub/internal/provider"
	"github.com/deinte/peppolsub/internal/reconciliation"
	"github.com/deinte/peppolsub/internal/transform"
	"github.com/deinte/peppolsub/pkg/db"
	"go.uber.org/fx"
)

const (
	exitOK       = 0
	exitInfra    = 1
	exitPartial  = 2
	exitLockHeld = 3
)

func main() {
	job := flag.String("job", "dispatch", "job to run: dispatch, poll, status or breaker")
	limit := flag.Int("limit", 0, "batch size, 0 uses the configured default")
	force := flag.Bool("force", false, "poll only: ignore the retry schedule")
	override := flag.Bool("override", false, "bypass the batch lock; the operator owns the overlap risk")
	timeout := flag.Duration("timeout", 30*time.Minute, "overall run timeout")
	flag.Parse()

	os.Exit(run(*job, *limit, *force, *override, *timeout))
}

func run(job string, limit int, force, override bool, timeout time.Duration) int {
	var svc dispatchdomain.Service
	var brk *breaker.Breaker

	app := fx.New(
		fx.NopLogger,
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		batchlock.Module,
		migration.Module,

		provider.Module,
		transform.Module,
		identity.Module,
		breaker.Module,
		reconciliation.Module,
		dispatch.Module,

		fx.Populate(&svc, &brk),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		return exitInfra
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	var result dispatchdomain.BatchResult
	var err error
	switch job {
	case "dispatch":
		result, err = svc.DispatchDue(ctx, limit, override)
	case "poll":
		result, err = svc.PollDue(ctx, limit, force, override)
	case "status":
		return printCounts(ctx, svc)
	case "breaker":
		return printBreaker(ctx, brk)
	default:
		fmt.Fprintln(os.Stderr, "unknown job:", job)
		return exitInfra
	}

	switch result.Outcome {
	case dispatchdomain.OutcomeSkipped:
		fmt.Println("skipped: another run holds the batch lock")
		return exitLockHeld
	case dispatchdomain.OutcomePartial:
		fmt.Printf("partial: processed=%d failed=%d\n", len(result.Processed), result.Failed)
		return exitPartial
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "batch failed:", err)
		return exitInfra
	}

	fmt.Printf("ok: processed=%d\n", len(result.Processed))
	return exitOK
}

func printCounts(ctx context.Context, svc dispatchdomain.Service) int {
	counts, err := svc.CountByState(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "count failed:", err)
		return exitInfra
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Printf("%s\t%d\n", state, counts[dispatchdomain.DispatchState(state)])
	}
	return exitOK
}

func printBreaker(ctx context.Context, brk *breaker.Breaker) int {
	status, err := brk.Status(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "breaker status failed:", err)
		return exitInfra
	}
	fmt.Printf("state=%s failures=%d successes=%d\n", status.State, status.FailureCount, status.SuccessCount)
	if status.OpenReason != "" {
		fmt.Printf("open_reason=%s retry_after=%s\n", status.OpenReason, status.RetryAfter)
	}
	return exitOK
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
