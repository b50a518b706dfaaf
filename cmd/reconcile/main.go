package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/app"
	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/models"
	"bitbucket.org/mmdatafocus/enrollment_backend/workflow"
)

func main() {
	from := flag.String("from", "", "Optional: window start (YYYY-MM-DD). Defaults to RECONCILE_WINDOW_START or today.")
	to := flag.String("to", "", "Optional: window end (YYYY-MM-DD). Defaults to RECONCILE_WINDOW_END or the start date.")
	apply := flag.Bool("apply", false, "Write enrollments for gateway-only orders (overrides DRY_RUN=true)")
	dryRun := flag.Bool("dry-run", false, "Plan and report only (overrides DRY_RUN=false)")
	runID := flag.String("run-id", "", "Optional: run id (uuid). Generated when empty.")
	flag.Parse()

	if *apply && *dryRun {
		fmt.Fprintln(os.Stderr, "--apply and --dry-run are mutually exclusive")
		os.Exit(2)
	}

	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if *from != "" || *to != "" {
		cfg.Reconcile.WindowStart = strings.TrimSpace(*from)
		cfg.Reconcile.WindowEnd = strings.TrimSpace(*to)
	}
	if err := cfg.ValidateReconcile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, app.Options{Migrate: true})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal(err)
	}
	defer deps.Close()

	job, err := deps.ReconcileJob()
	if err != nil {
		deps.Close()
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal(err)
	}

	req := workflow.RunRequest{RunId: *runID, TriggeredBy: models.RunTriggeredCLI}
	switch {
	case *apply:
		v := false
		req.DryRun = &v
	case *dryRun:
		v := true
		req.DryRun = &v
	}

	res, err := job.Run(ctx, req)
	if err != nil {
		if errors.Is(err, workflow.ErrRunInProgress) {
			fmt.Fprintln(os.Stderr, "another reconciliation is running; try again later")
		} else {
			fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		}
		deps.Close()
		os.Exit(1)
	}

	s := res.Report.Reconciliation
	fmt.Printf("run %s: %s (dry run: %v)\n", res.Run.RunId, res.Run.Status, res.Run.DryRun)
	fmt.Printf("window %s .. %s\n", s.WindowStart.Format("2006-01-02"), s.WindowEnd.Format("2006-01-02"))
	fmt.Printf("eligible %d, matched %d, gateway-only %d (%s), store-only %d (manual %d), conflicts %d\n",
		s.Eligible, s.Matched, s.GatewayOnly, s.GatewayOnlyAmount.StringFixed(0), s.StoreOnly, s.StoreOnlyManual, s.Conflicts)
	fmt.Printf("tasks %d, succeeded %d, failed %d, unresolved %d\n",
		len(res.Report.Tasks), res.Run.SuccessCount, res.Run.FailCount, len(res.Report.Unresolved))
	for _, loc := range res.Locations {
		fmt.Println("report:", loc)
	}
}
