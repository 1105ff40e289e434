package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/outreachdesk/internal/outreach"
)

func NewPipelineCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Clear or reset outreach task queues",
	}
	cmd.AddCommand(newPipelineClearCommand(opts))
	cmd.AddCommand(newPipelineResetCommand(opts))
	return cmd
}

func newPipelineClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <legacy|marketing>",
		Short: "Delete every queued task of one pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := outreach.ParsePipelineType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "clear pipeline", err)
			}
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := sess.context(cmd.Context())
			defer cancel()

			cleared, err := outreach.ClearPipelineQueue(ctx, sess.store, pipeline)
			if err != nil {
				return pipelineFailure(opts, cmd, err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(map[string]any{"pipeline": pipeline, "cleared": cleared}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "cleared %d %s tasks\n", cleared, pipeline)
				return err
			})
		},
	}
}

func newPipelineResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset every outreach task across pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			ctx, cancel := sess.context(cmd.Context())
			defer cancel()

			reset, err := outreach.ResetAllTasks(ctx, sess.store)
			if err != nil {
				return pipelineFailure(opts, cmd, err)
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return out.Success(map[string]any{"reset": reset}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "reset %d tasks\n", reset)
				return err
			})
		},
	}
}

func pipelineFailure(opts *RootOptions, cmd *cobra.Command, err error) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	_ = out.Error(errorCode(err), err.Error())
	code := ExitFailure
	switch errorCode(err) {
	case "not_implemented", "bad_request":
		code = ExitCommandError
	}
	return WrapExitError(code, cmd.CommandPath(), err)
}
