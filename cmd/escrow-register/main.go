package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/app"
	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/escrow"
	"bitbucket.org/mmdatafocus/enrollment_backend/models"
	"bitbucket.org/mmdatafocus/enrollment_backend/workflow"
)

func main() {
	file := flag.String("file", "", "Required: order list (.xlsx merchant export or .json)")
	dryRun := flag.Bool("dry-run", false, "Import and report only; nothing is sent")
	fallbackDate := flag.String("fallback-date", "", "Optional: receive date (YYYY-MM-DD HH:MM) for xlsx rows without a payment date")
	concurrency := flag.Int("concurrency", 0, "Optional: registrations per chunk (defaults to DISPATCH_CONCURRENCY)")
	runID := flag.String("run-id", "", "Optional: run id (uuid). Generated when empty.")
	flag.Parse()

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(2)
	}

	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if *concurrency > 0 {
		cfg.Dispatch.Concurrency = *concurrency
	}
	if err := cfg.ValidateEscrow(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	loc, err := time.LoadLocation(cfg.Reconcile.Timezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid timezone: %v\n", err)
		os.Exit(2)
	}

	opts := escrow.ImportOptions{Location: loc}
	if s := strings.TrimSpace(*fallbackDate); s != "" {
		t, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid fallback date: %v\n", err)
			os.Exit(2)
		}
		opts.FallbackDate = t
	}

	orders, rejected, err := readOrders(*file, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		os.Exit(1)
	}
	for _, r := range rejected {
		logger.WithFields(logrus.Fields{"row": r.Row, "oid": r.OrderID}).Warn(r.Reason)
	}
	if len(orders) == 0 {
		fmt.Fprintln(os.Stderr, "no escrow orders found")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, app.Options{Migrate: true})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal(err)
	}
	defer deps.Close()

	job, err := deps.EscrowJob()
	if err != nil {
		deps.Close()
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal(err)
	}

	res, err := job.Run(ctx, workflow.EscrowRequest{
		RunId:       *runID,
		TriggeredBy: models.RunTriggeredCLI,
		DryRun:      *dryRun,
		Orders:      orders,
		Rejected:    rejected,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrRunInProgress) {
			fmt.Fprintln(os.Stderr, "another escrow registration is running; try again later")
		} else {
			fmt.Fprintf(os.Stderr, "escrow registration failed: %v\n", err)
		}
		deps.Close()
		os.Exit(1)
	}

	fmt.Printf("run %s: %s (dry run: %v)\n", res.Run.RunId, res.Run.Status, res.Run.DryRun)
	for outcome, n := range res.Report.Outcomes {
		fmt.Printf("  %-18s %d\n", outcome, n)
	}
	if len(res.Report.Unresolved) > 0 {
		fmt.Printf("  %-18s %d\n", "rejected rows", len(res.Report.Unresolved))
	}
	for _, loc := range res.Locations {
		fmt.Println("report:", loc)
	}
}

func readOrders(path string, opts escrow.ImportOptions) ([]escrow.Order, []escrow.RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		orders, err := escrow.ImportOrdersJSON(f)
		return orders, nil, err
	case ".xlsx":
		return escrow.ImportOrdersXLSX(f, opts)
	default:
		return nil, nil, fmt.Errorf("unsupported file type %q (want .xlsx or .json)", filepath.Ext(path))
	}
}
