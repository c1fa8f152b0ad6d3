package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
)

// newAddCmd creates the "llmc add" subcommand.
func newAddCmd() *cobra.Command {
	var (
		runtime    string
		selfReview bool
	)
	cmd := &cobra.Command{
		Use:   "add <worker>",
		Short: "Create a worker with its own worktree, branch and session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			var view protocol.WorkerView
			req := protocol.Request{Op: protocol.OpAdd, Worker: args[0], Runtime: runtime, SelfReview: selfReview}
			if err := env.requestInto(cmd.Context(), req, &view); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s on branch %s (runtime %s)\n", view.Name, view.Branch, view.Runtime)
			return nil
		},
	}
	cmd.Flags().StringVar(&runtime, "runtime", "", "agent runtime profile (default from config)")
	cmd.Flags().BoolVar(&selfReview, "self-review", false, "have the worker review its own commit before it reaches review")
	return cmd
}

// newRemoveCmd creates the "llmc remove" subcommand.
func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <worker>",
		Aliases: []string{"nuke"},
		Short:   "Tear down a worker: session, worktree, branch and record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleRequest(cmd, protocol.Request{Op: protocol.OpRemove, Worker: args[0]}, "removed %s\n")
		},
	}
}

// newStartCmd creates the "llmc start" subcommand.
func newStartCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "start <worker> [prompt...]",
		Short: "Give an idle worker a task",
		Long: "Delivers the prompt to an idle worker and marks it working. The prompt is\n" +
			"taken from the arguments, from --file, or from stdin when --file is \"-\".",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := promptText(args[1:], file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return simpleRequest(cmd, protocol.Request{Op: protocol.OpStart, Worker: args[0], Text: text}, "started %s\n")
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the prompt from a file (\"-\" for stdin)")
	return cmd
}

// newMessageCmd creates the "llmc message" subcommand.
func newMessageCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "message <worker> [text...]",
		Aliases: []string{"msg"},
		Short:   "Send a follow-up message to a working or waiting worker",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := promptText(args[1:], file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return simpleRequest(cmd, protocol.Request{Op: protocol.OpMessage, Worker: args[0], Text: text}, "sent message to %s\n")
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the message from a file (\"-\" for stdin)")
	return cmd
}

// newSelfReviewCmd creates the "llmc self-review" subcommand.
func newSelfReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-review <worker>",
		Short: "Ask a worker to review its own commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleRequest(cmd, protocol.Request{Op: protocol.OpSelfReview, Worker: args[0]}, "self-review requested for %s\n")
		},
	}
}

// newReviewCmd creates the "llmc review" subcommand.
func newReviewCmd() *cobra.Command {
	var noDiff bool
	cmd := &cobra.Command{
		Use:   "review <worker>",
		Short: "Show the commit a worker has up for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			var view protocol.ReviewView
			if err := env.requestInto(cmd.Context(), protocol.Request{Op: protocol.OpReview, Worker: args[0]}, &view); err != nil {
				return err
			}
			printReview(cmd.OutOrStdout(), view, !noDiff)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noDiff, "no-diff", false, "show only the summary")
	return cmd
}

func printReview(w io.Writer, v protocol.ReviewView, withDiff bool) {
	fmt.Fprintf(w, "worker:  %s (%s)\n", v.Worker, v.Status)
	fmt.Fprintf(w, "commit:  %s %s\n", v.CommitSHA, v.Subject)
	if v.Prompt != "" {
		fmt.Fprintf(w, "task:    %s\n", strings.Join(strings.Fields(v.Prompt), " "))
	}
	if withDiff && v.Diff != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, v.Diff)
		if !strings.HasSuffix(v.Diff, "\n") {
			fmt.Fprintln(w)
		}
	}
}

// newAcceptCmd creates the "llmc accept" subcommand.
func newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <worker>",
		Short: "Integrate a reviewed commit into trunk and retire the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			var res gitops.Result
			if err := env.requestInto(cmd.Context(), protocol.Request{Op: protocol.OpAccept, Worker: args[0]}, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %s into %s: %s\n", args[0], env.cfg.Repo.Trunk, res.CommitSHA)
			if res.Message != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", firstLine(res.Message))
			}
			return nil
		},
	}
}

// newRejectCmd creates the "llmc reject" subcommand.
func newRejectCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "reject <worker> [notes...]",
		Short: "Send a reviewed worker back to work with reviewer notes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, err := promptText(args[1:], file, cmd.InOrStdin())
			if err != nil && !errors.Is(err, errEmptyText) {
				return err
			}
			return simpleRequest(cmd, protocol.Request{Op: protocol.OpReject, Worker: args[0], Text: notes}, "rejected %s\n")
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the notes from a file (\"-\" for stdin)")
	return cmd
}

// newRebaseCmd creates the "llmc rebase" subcommand.
func newRebaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebase <worker>",
		Short: "Rebase a worker's branch onto the current trunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			var view protocol.WorkerView
			if err := env.requestInto(cmd.Context(), protocol.Request{Op: protocol.OpRebase, Worker: args[0]}, &view); err != nil {
				return err
			}
			if view.Status == protocol.StatusRebasing {
				fmt.Fprintf(cmd.OutOrStdout(), "%s hit conflicts; the worker is resolving them\n", view.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebased %s (%s)\n", view.Name, view.Status)
			return nil
		},
	}
}

// newResetCmd creates the "llmc reset" subcommand.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <worker>",
		Short: "Discard a worker's work and return it to idle on a fresh session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleRequest(cmd, protocol.Request{Op: protocol.OpReset, Worker: args[0]}, "reset %s\n")
		},
	}
}

// simpleRequest runs a request whose only output is a confirmation line.
func simpleRequest(cmd *cobra.Command, req protocol.Request, format string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	if _, err := env.request(cmd.Context(), req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), format, req.Worker)
	return nil
}

var errEmptyText = errors.New("no text given")

// promptText resolves text from args, a file, or stdin ("-").
func promptText(args []string, file string, stdin io.Reader) (string, error) {
	var text string
	switch {
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	case file != "":
		data, err := os.ReadFile(file) //nolint:gosec // operator-supplied path
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		text = string(data)
	default:
		text = strings.Join(args, " ")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyText
	}
	return text, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
