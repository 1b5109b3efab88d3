package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/export"
	"github.com/wehubfusion/rapidflat/pkg/rapidpro"
	"github.com/wehubfusion/rapidflat/pkg/writeback"
)

func runsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Export flow runs as one row per visited node",
	}
	cmd.AddCommand(runsExportCmd(opts))
	cmd.AddCommand(runsAppendCmd(opts))
	return cmd
}

func runsExportCmd(opts *rootOptions) *cobra.Command {
	var (
		flow       string
		partitions int
		only       []int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Fetch every run window by window and replace the dataset",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&flow, "flow", "", "only export the runs of the flow with this name")
	cmd.Flags().IntVar(&partitions, "partitions", 0, "number of equal time windows between the base date and now")
	cmd.Flags().IntSliceVar(&only, "partition", nil, "re-run only these window indexes, keeping the rest")

	cmd.RunE = withApp(opts, func(ctx context.Context, a *app) error {
		if cmd.Flags().Changed("partitions") {
			a.cfg.Export.Partitions = partitions
			if err := a.cfg.Validate(); err != nil {
				return err
			}
		}
		d, out, err := a.driver(ctx)
		if err != nil {
			return err
		}
		defer out.Close()

		res, err := d.ExportRuns(ctx, export.RunsRequest{Flow: flow, Only: only})
		if res != nil {
			printResult(cmd, res)
		}
		return err
	})
	return cmd
}

func runsAppendCmd(opts *rootOptions) *cobra.Command {
	var flow string

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Add runs modified since the newest exported run",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&flow, "flow", "", "append to the dataset of the flow with this name")

	cmd.RunE = withApp(opts, func(ctx context.Context, a *app) error {
		d, out, err := a.driver(ctx)
		if err != nil {
			return err
		}
		defer out.Close()

		res, err := d.AppendRuns(ctx, flow)
		if res != nil {
			printResult(cmd, res)
		}
		return err
	})
	return cmd
}

func exportCmd(opts *rootOptions) *cobra.Command {
	names := make([]string, 0)
	for _, k := range rapidpro.Kinds() {
		if k != rapidpro.KindRuns {
			names = append(names, string(k))
		}
	}

	cmd := &cobra.Command{
		Use:       "export " + strings.Join(names, "|"),
		Short:     "Export a platform resource as one flat row per record",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: names,
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		kind, err := rapidpro.ParseKind(args[0])
		if err != nil {
			return err
		}
		return withApp(opts, func(ctx context.Context, a *app) error {
			d, out, err := a.driver(ctx)
			if err != nil {
				return err
			}
			defer out.Close()

			res, err := d.ExportResource(ctx, kind)
			if res != nil {
				printResult(cmd, res)
			}
			return err
		})(cmd, args)
	}
	return cmd
}

func contactsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Write contact data back to the platform",
	}

	var (
		file        string
		mapping     []string
		date        string
		urnColumn   string
		countryCode string
	)
	update := &cobra.Command{
		Use:   "update",
		Short: "Set contact fields from the columns of a CSV file",
		Args:  cobra.NoArgs,
	}
	update.Flags().StringVar(&file, "file", "", "CSV file with one row per contact")
	update.Flags().StringSliceVar(&mapping, "map", nil, "column=field pairs; a bare column maps to a field of the same name")
	update.Flags().StringVar(&date, "date", "", "stamp updated contacts with this DD/MM/YYYY date")
	update.Flags().StringVar(&urnColumn, "urn-column", "phone", "column holding the contact's phone number or URN")
	update.Flags().StringVar(&countryCode, "country-code", "", "prefix for phone numbers written without one, e.g. +52")
	_ = update.MarkFlagRequired("file")
	_ = update.MarkFlagRequired("map")

	update.RunE = withApp(opts, func(ctx context.Context, a *app) error {
		fields, err := writeback.ParseMapping(mapping)
		if err != nil {
			return err
		}
		rows, err := writeback.LoadCSV(file)
		if err != nil {
			return err
		}
		w, err := writeback.NewWriter(a.client, a.limiter, a.logger)
		if err != nil {
			return err
		}
		sum, err := w.UpdateFields(ctx, rows, writeback.FieldUpdate{
			Mapping:     fields,
			URNColumn:   urnColumn,
			CountryCode: countryCode,
			Date:        date,
		})
		if sum != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d, skipped %d, failed %d\n", sum.Updated, sum.Skipped, sum.Failed)
		}
		return err
	})

	cmd.AddCommand(update)
	return cmd
}

func groupsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Change group membership",
	}
	cmd.AddCommand(groupChangeCmd(opts, rapidpro.GroupAdd))
	cmd.AddCommand(groupChangeCmd(opts, rapidpro.GroupRemove))
	return cmd
}

func groupChangeCmd(opts *rootOptions, action rapidpro.GroupAction) *cobra.Command {
	var file, column string

	cmd := &cobra.Command{
		Use:   string(action) + " GROUP",
		Short: fmt.Sprintf("%s the contacts listed in a CSV file", strings.ToUpper(string(action[:1]))+string(action[1:])),
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file listing contact UUIDs")
	cmd.Flags().StringVar(&column, "uuid-column", "uuid", "column holding contact UUIDs")
	_ = cmd.MarkFlagRequired("file")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		group := args[0]
		return withApp(opts, func(ctx context.Context, a *app) error {
			rows, err := writeback.LoadCSV(file)
			if err != nil {
				return err
			}
			w, err := writeback.NewWriter(a.client, a.limiter, a.logger)
			if err != nil {
				return err
			}
			n, err := w.ChangeGroup(ctx, action, group, rows, column)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d contacts %s\n", group, n, pastTense(action))
			return nil
		})(cmd, args)
	}
	return cmd
}

func pastTense(action rapidpro.GroupAction) string {
	if action == rapidpro.GroupRemove {
		return "removed"
	}
	return "added"
}

func flowsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Act on flows",
	}

	var file, column string
	start := &cobra.Command{
		Use:   "start FLOW",
		Short: "Start the contacts listed in a CSV file in a flow",
		Args:  cobra.ExactArgs(1),
	}
	start.Flags().StringVar(&file, "file", "", "CSV file listing contact UUIDs")
	start.Flags().StringVar(&column, "uuid-column", "uuid", "column holding contact UUIDs")
	_ = start.MarkFlagRequired("file")

	start.RunE = func(cmd *cobra.Command, args []string) error {
		flow := args[0]
		return withApp(opts, func(ctx context.Context, a *app) error {
			rows, err := writeback.LoadCSV(file)
			if err != nil {
				return err
			}
			w, err := writeback.NewWriter(a.client, a.limiter, a.logger)
			if err != nil {
				return err
			}
			n, err := w.StartFlow(ctx, flow, rows, column)
			if err != nil {
				return err
			}
			a.logger.Info("Flow start requested", zap.String("flow", flow), zap.Int("contacts", n))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d contacts started\n", flow, n)
			return nil
		})(cmd, args)
	}

	cmd.AddCommand(start)
	return cmd
}

func printResult(cmd *cobra.Command, res *export.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows from %d runs in %d partitions",
		res.Dataset, res.Rows, res.Runs, res.Partitions)
	if res.Skipped > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", %d malformed runs skipped", res.Skipped)
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), ", failed partitions %v", res.Failed)
	}
	if len(res.NotFetched) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), " (never fetched: %v)", res.NotFetched)
	}
	fmt.Fprintln(cmd.OutOrStdout())
}
