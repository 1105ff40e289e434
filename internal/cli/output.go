package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Store or write failure (conflict, rejected draft, unreachable store)
	ExitCommandError = 2 // Command error (unknown table, bad arguments)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope for every command's output.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Success(data any, text func(w io.Writer) error) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

// Error writes a failure in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// errorCode maps sync errors to the short codes the API also uses.
func errorCode(err error) string {
	switch {
	case errors.Is(err, draftsync.ErrConflict):
		return "conflict"
	case errors.Is(err, draftsync.ErrInvalidDraft):
		return "invalid_draft"
	case errors.Is(err, draftsync.ErrRejected):
		return "rejected"
	case errors.Is(err, draftsync.ErrNotFound):
		return "not_found"
	case errors.Is(err, draftsync.ErrInvalidInput):
		return "bad_request"
	case errors.Is(err, draftsync.ErrNotImplemented):
		return "not_implemented"
	default:
		return "store_error"
	}
}

func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func formatValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return "-"
	case string:
		return typed
	case []int:
		parts := make([]string, len(typed))
		for i, n := range typed {
			parts[i] = fmt.Sprint(n)
		}
		return strings.Join(parts, ",")
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(raw)
	}
}

func writeFields(w io.Writer, title string, fields draftsync.Fields) {
	if len(fields) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", name, formatValue(fields[name]))
	}
	_ = tw.Flush()
}

func writeView(w io.Writer, table string, view draftsync.RecordView) error {
	fmt.Fprintf(w, "%s/%s  version=%s  state=%s\n", table, view.Key, formatValue(view.Version), view.Status.State)
	if view.Status.Failure != nil {
		fmt.Fprintf(w, "failure: %s (%s)\n", view.Status.Failure.Message, view.Status.Failure.Kind)
	}
	writeFields(w, "fields", view.Draft)
	writeFields(w, "stats", view.Stats)
	return nil
}
