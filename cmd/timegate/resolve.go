package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/timegate/config"
	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/replay"
)

func resolveCMD() *cobra.Command {
	var format string
	var listOnly bool
	var body bool
	var resolve = &cobra.Command{
		Use:   "resolve <url> [timestamp]",
		Short: "Resolve a URL to its closest capture and print it as an index line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := cdx.ParseFormat(format)
			if err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req := replay.Request{URL: args[0]}
			if len(args) == 2 {
				req.Timestamp = args[1]
			}
			out := cmd.OutOrStdout()
			if listOnly {
				recs, err := a.index.Resolve(ctx, cdx.ResolveRequest{URL: req.URL, Timestamp: req.Timestamp})
				if err != nil {
					return err
				}
				return cdx.Encode(out, recs, f)
			}

			res, err := a.engine.Resolve(ctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", replay.KindName(err), err)
			}
			defer res.Close()
			if err := cdx.Encode(out, []capture.Record{res.Capture}, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "status=%d retries=%d widened=%t live=%t source=%s path=%v\n",
				res.Header.Status, res.Retries, res.Widened, res.Live, res.Source, res.Transitions)
			if body {
				_, err := io.Copy(out, res.Body())
				return err
			}
			return nil
		},
	}
	resolve.Flags().StringVar(&format, "format", "cdxj", "output format: cdxj or cdx")
	resolve.Flags().BoolVar(&listOnly, "list", false, "print every candidate from the index instead of resolving")
	resolve.Flags().BoolVar(&body, "body", false, "write the archived payload after the index line")
	return resolve
}
