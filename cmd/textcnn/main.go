// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// textcnn trains the convolutional multi-label text classifier described by the configuration in --config_path,
// checkpointing it periodically, and exports it to pb_model_path if one is configured.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/gomlx/textmodels/internal/loop"
	"github.com/gomlx/textmodels/textcnn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfigPath = flag.String("config_path", "", "Path to the JSON configuration of the run.")
	flagProgress   = flag.Bool("progress", loop.IsTerminal(), "Show a progress bar while training.")
)

func main() {
	settings := commandline.CreateContextSettingsFlag(config.Default().NewContext(), "")
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(*settings); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(settings string) error {
	cfg, err := config.Load(*flagConfigPath)
	if err != nil {
		return err
	}
	ctx := cfg.NewContext()
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return errors.WithMessage(err, "invalid -set")
	}
	if len(paramsSet) > 0 {
		klog.Infof("hyperparameters set from the command line:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	backend, err := backends.New()
	if err != nil {
		return errors.WithMessage(err, "failed to create backend")
	}
	defer backend.Finalize()
	klog.Infof("backend: %s", backend.Description())

	return exceptions.TryCatch[error](func() {
		trainer, err := textcnn.NewTrainer(backend, ctx, cfg)
		if err != nil {
			panic(err)
		}
		defer trainer.Finalize()
		trainer.ShowProgress = *flagProgress
		if err := trainer.Train(); err != nil {
			panic(err)
		}
	})
}
