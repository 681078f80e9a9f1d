// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// checkpoints reports on the checkpoints and the summaries of a charrnn or textcnn training run.
//
// Usage:
//
//	checkpoints -config_path=run.json -summary -vars -metrics
//	checkpoints -summary -params /tmp/ckpt/tiny
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/gomlx/textmodels/internal/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfigPath = flag.String("config_path", "", "Run configuration, used to locate the checkpoint "+
		"directory and the summaries. A checkpoint directory given as argument takes precedence.")
	flagScope = flag.String("scope", context.RootScope, "The scope of the variables considered in "+
		"the -summary and -vars reports.")
	flagSummary = flag.Bool("summary", false, "Display the global step and the model sizes, for the "+
		"variables under -scope.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagMetrics = flag.Bool("metrics", false, "Lists the metrics written to the summaries of -split. "+
		"It requires -config_path.")
	flagSplit        = flag.String("split", "eval", "Summary split reported by -metrics: train or eval.")
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metric names to include in "+
		"the -metrics report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(args []string) error {
	if len(args) > 1 {
		return errors.New("too many arguments, see 'checkpoints -help'")
	}
	var cfg *config.Config
	if *flagConfigPath != "" {
		var err error
		if cfg, err = config.Load(*flagConfigPath); err != nil {
			return err
		}
	}
	checkpointDir := ""
	if len(args) == 1 {
		checkpointDir = args[0]
	} else if cfg != nil {
		checkpointDir = cfg.CheckpointDir()
	}

	if *flagSummary || *flagParams || *flagVars {
		if checkpointDir == "" {
			return errors.New("missing checkpoint directory: give it as argument or set ckpt_model_path in -config_path")
		}
		if err := reportCheckpoint(checkpointDir); err != nil {
			return err
		}
	}
	if *flagMetrics {
		if cfg == nil {
			return errors.New("-metrics requires -config_path")
		}
		if err := reportMetrics(cfg.SummaryDir(*flagSplit)); err != nil {
			return err
		}
	}
	return nil
}

func reportCheckpoint(checkpointDir string) error {
	if _, err := os.Stat(checkpointDir); err != nil {
		return errors.Wrapf(err, "checkpoint directory %q", checkpointDir)
	}
	ctx := context.New()
	handler, err := checkpoints.Build(ctx).Dir(checkpointDir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint from %q", checkpointDir)
	}
	names, err := handler.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.Errorf("no checkpoints found in %q", checkpointDir)
	}
	scopedCtx := ctx.InAbsPath(*flagScope)

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		table, err := summaryTable(ctx, scopedCtx, checkpointDir, len(names))
		if err != nil {
			return err
		}
		fmt.Println(table)
	}
	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		fmt.Println(paramsTable(ctx))
	}
	if *flagVars {
		fmt.Println(titleStyle.Render("Variables"))
		fmt.Println(variablesTable(scopedCtx))
	}
	return nil
}

func reportMetrics(summaryDir string) error {
	points, err := summary.ReadPoints(summaryDir)
	if err != nil {
		return err
	}
	var names []string
	if *flagMetricsNames != "" {
		names = strings.Split(*flagMetricsNames, ",")
	}
	table := metricsTable(points, names)
	if table == "" {
		klog.Errorf("No metrics found in %q", summaryDir)
		return nil
	}
	fmt.Println(titleStyle.Render("Metrics (" + *flagSplit + ")"))
	fmt.Println(table)
	return nil
}
