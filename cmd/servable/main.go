// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// servable inspects, verifies and pushes the model bundles exported by the charrnn and textcnn trainers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/textmodels/internal/config"
	"github.com/gomlx/textmodels/internal/servable"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const errExitCode = 1

func main() {
	klog.InitFlags(nil)
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(errExitCode)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servable",
		Short: "inspect, verify and push exported text models",
	}
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cmd.AddCommand(newInspectCmd(), newVerifyCmd(), newPushCmd())
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "inspect <dir>",
		Short:        "print the signature and the files of an exported model",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			sig, err := servable.ReadSignature(dir)
			if err != nil {
				return err
			}
			m, err := servable.ReadManifest(dir)
			if err != nil {
				return err
			}

			fmt.Printf("signature %q (method %q)\n", sig.Name, sig.Method)
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Kind", "Tensor", "DType", "Shape"})
			for _, kind := range []struct {
				name    string
				tensors map[string]servable.TensorInfo
			}{{"input", sig.Inputs}, {"output", sig.Outputs}} {
				names := make([]string, 0, len(kind.tensors))
				for name := range kind.tensors {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					info := kind.tensors[name]
					t.AppendRow(table.Row{kind.name, name, info.DType, formatShape(info.Shape)})
				}
			}
			t.Render()

			fmt.Printf("\nmodel %q, created %s\n", m.Annotations[servable.AnnotationModelName], m.Annotations[servable.AnnotationCreated])
			t = table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"File", "Media Type", "Size", "Digest"})
			for _, desc := range m.Descriptors() {
				t.AppendRow(table.Row{desc.Name, desc.MediaType, humanize.Bytes(uint64(desc.Size)), desc.Digest.Encoded()[:12]})
			}
			t.AppendFooter(table.Row{"", "total", humanize.Bytes(uint64(m.TotalSize())), ""})
			t.Render()
			return nil
		},
	}
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "scalar"
	}
	s := "["
	for ii, dim := range shape {
		if ii > 0 {
			s += ", "
		}
		if dim == servable.Dynamic {
			s += "?"
		} else {
			s += fmt.Sprint(dim)
		}
	}
	return s + "]"
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "verify <dir>",
		Short:        "check the files of an exported model against its manifest",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := servable.Verify(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok, %d files, %s\n", args[0], len(m.Descriptors()), humanize.Bytes(uint64(m.TotalSize())))
			return nil
		},
	}
}

func newPushCmd() *cobra.Command {
	var (
		configPath string
		s3         config.S3
	)
	cmd := &cobra.Command{
		Use:   "push <dir>",
		Short: "upload an exported model to S3 compatible object storage",
		Example: `
  servable push /models/tiny --bucket models --prefix tiny/v1 --endpoint http://localhost:9000 --path-style
  servable push /models/tiny --config_path run.json`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			opts := s3
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				opts = cfg.Export.S3
				// Flags given explicitly take precedence over the configuration.
				flags := cmd.Flags()
				for name, dst := range map[string]*string{
					"bucket": &opts.Bucket, "prefix": &opts.Prefix, "region": &opts.Region, "endpoint": &opts.Endpoint,
				} {
					if flags.Changed(name) {
						*dst, _ = flags.GetString(name)
					}
				}
				if flags.Changed("path-style") {
					opts.PathStyle = s3.PathStyle
				}
			}
			keys, err := servable.Push(ctx, args[0], opts)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Printf("s3://%s/%s\n", opts.Bucket, key)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config_path", "", "run configuration to read the export.s3 settings from")
	flags.StringVar(&s3.Bucket, "bucket", "", "destination bucket")
	flags.StringVar(&s3.Prefix, "prefix", "", "key prefix of the uploaded files")
	flags.StringVar(&s3.Region, "region", "", "bucket region")
	flags.StringVar(&s3.Endpoint, "endpoint", "", "custom S3 endpoint URL, e.g. for MinIO")
	flags.BoolVar(&s3.PathStyle, "path-style", false, "use path-style addressing")
	return cmd
}
