package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/outreach"
)

type tableInfo struct {
	Name     string   `json:"name"`
	KeyField string   `json:"keyField"`
	Editable []string `json:"editable"`
	Upsert   bool     `json:"upsert"`
}

// NewTablesCommand lists the tables outreachctl can edit. It needs no store.
func NewTablesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List editable tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []tableInfo
			for _, t := range outreach.Tables() {
				infos = append(infos, tableInfo{Name: t.Name, KeyField: t.KeyField, Editable: t.Editable, Upsert: t.Upsert})
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(infos, func(w io.Writer) error {
				rows := make([][]string, 0, len(infos))
				for _, info := range infos {
					rows = append(rows, []string{info.Name, info.KeyField, strings.Join(info.Editable, ",")})
				}
				return table(w, []string{"TABLE", "KEY", "EDITABLE"}, rows)
			})
		},
	}
}

func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <table>",
		Short: "List the records of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := sess.context(cmd.Context())
			defer cancel()
			syncer, err := sess.syncer(ctx, args[0])
			if err != nil {
				return err
			}
			defer syncer.Close()

			snap := syncer.Snapshot()
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(snap, func(w io.Writer) error {
				editable := syncer.Table().Editable
				header := append([]string{"KEY", "VERSION"}, editable...)
				rows := make([][]string, 0, len(snap.Records))
				for _, rec := range snap.Records {
					row := []string{rec.Key, formatValue(rec.Version)}
					for _, name := range editable {
						row = append(row, formatValue(rec.Draft[name]))
					}
					rows = append(rows, row)
				}
				return table(w, header, rows)
			})
		},
	}
}

func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <key>",
		Short: "Show one record with its read-only stats",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := sess.context(cmd.Context())
			defer cancel()
			syncer, err := sess.syncer(ctx, args[0])
			if err != nil {
				return err
			}
			defer syncer.Close()

			view, ok := syncer.View(args[1])
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("%s/%s: record not found", args[0], args[1]))
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(view, func(w io.Writer) error {
				return writeView(w, args[0], view)
			})
		},
	}
}

// NewSetCommand patches fields of one record and writes them immediately.
func NewSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <table> <key> field=value...",
		Short: "Edit fields of a record and write them",
		Long: `Edit fields of a record and write them to the store.

Values are given as text and coerced by the table, the same way the dashboard
coerces form input. Use "null" to clear a nullable field.

Example:
  outreachctl set outreach_sender_accounts ana@outreach.test daily_cap=50 work_days=1,2,3`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args[2:])
			if err != nil {
				return err
			}
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := sess.context(cmd.Context())
			defer cancel()
			syncer, err := sess.syncer(ctx, args[0])
			if err != nil {
				return err
			}
			defer syncer.Close()

			tbl, key := syncer.Table(), args[1]
			if clean := tbl.Sanitize(key, patch); len(clean) != len(patch) {
				return NewExitError(ExitCommandError, fmt.Sprintf("not editable in %s: %s", tbl.Name, strings.Join(rejectedFields(tbl, patch), ",")))
			}
			if _, ok := syncer.View(key); !ok && !tbl.Upsert {
				return NewExitError(ExitFailure, fmt.Sprintf("%s/%s: record not found", tbl.Name, key))
			}

			syncer.Patch(key, patch)
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if err := syncer.Flush(ctx, key); err != nil {
				_ = out.Error(errorCode(err), err.Error())
				return WrapExitError(ExitFailure, "write "+tbl.Name+"/"+key, err)
			}
			view, _ := syncer.View(key)
			return out.Success(view, func(w io.Writer) error {
				fmt.Fprintf(w, "saved %s\n", strings.Join(patch.Names(), ", "))
				return writeView(w, tbl.Name, view)
			})
		},
	}
}

func NewSendersCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "senders",
		Short: "Show sender status and fleet totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := sess.context(cmd.Context())
			defer cancel()
			syncer, err := sess.syncer(ctx, outreach.SenderAccountsTable)
			if err != nil {
				return err
			}
			defer syncer.Close()

			rows, totals, err := outreach.Overview(syncer.Snapshot(), opts.Now())
			if err != nil {
				return WrapExitError(ExitFailure, "decode senders", err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			data := map[string]any{"senders": rows, "totals": totals}
			return out.Success(data, func(w io.Writer) error {
				lines := make([][]string, 0, len(rows))
				for _, row := range rows {
					lines = append(lines, []string{
						row.Account.Email,
						row.Status.Label(),
						fmt.Sprint(row.Account.DailyCap),
						fmt.Sprint(row.Stats.SentToday),
						fmt.Sprint(row.Stats.Queued()),
					})
				}
				if err := table(w, []string{"SENDER", "STATUS", "CAP", "SENT TODAY", "QUEUED"}, lines); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "\nactive %d  ready %d  sent today %d  queued %d  opens %d  unsubs %d\n",
					totals.Active, totals.Ready, totals.SentToday, totals.Queued, totals.OpensTotal, totals.UnsubsTotal)
				return err
			})
		},
	}
}

// parseAssignments turns field=value arguments into a patch. The literal
// "null" clears a field; everything else stays text for the table coercer.
func parseAssignments(args []string) (draftsync.Fields, error) {
	patch := draftsync.Fields{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid assignment %q: want field=value", arg))
		}
		if value == "null" {
			patch[name] = nil
			continue
		}
		patch[name] = value
	}
	return patch, nil
}

func rejectedFields(tbl draftsync.Table, patch draftsync.Fields) []string {
	var out []string
	for _, name := range patch.Names() {
		if !tbl.IsEditable(name) {
			out = append(out, name)
		}
	}
	return out
}
