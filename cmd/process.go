package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/minutes-admin/pkg/api"
	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/pipeline"
)

// PipelineCommandDeps holds the dependencies for process, resend and pdf-url.
type PipelineCommandDeps struct {
	// Open returns the pipeline and a release func.
	Open func(ctx context.Context) (api.Pipeline, func(), error)
	Out  io.Writer
}

// DefaultPipelineDeps opens a full App that finalizes inline, so a CLI run
// renders and emails without a separate worker.
func DefaultPipelineDeps(open AppOpener) *PipelineCommandDeps {
	return &PipelineCommandDeps{
		Open: func(ctx context.Context) (api.Pipeline, func(), error) {
			app, err := open(ctx, AppOptions{InlineFinalize: true, Role: "cli"})
			if err != nil {
				return nil, nil, err
			}
			return app.Orchestrator, app.Close, nil
		},
	}
}

// NewProcessCommand creates the process command.
func NewProcessCommand(deps *PipelineCommandDeps) *cobra.Command {
	var (
		req    pipeline.Request
		output string
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the minutes pipeline for one session",
		Long: `Run the minutes pipeline for a session synchronously.

Transcribes the session's recordings, summarizes the transcript into one note
per agenda item and extracts action items. On success the minutes PDF is
rendered, stored and emailed to the attendees before the command returns.

The session must be in ready, queued or error state, or processing under a
claim older than the processing lease. --force also takes over a session whose
run is still within its lease, for runs known to have died. Without
--recording every recording of the session is transcribed in upload order.

Exit status is non-zero when the run ends in error.`,
		Example: `  minutesctl process --meeting 7d1c... --session 0b9e...
  minutesctl process --meeting 7d1c... --session 0b9e... --recording recordings/0b9e/part1.webm -o json
  minutesctl process --meeting 7d1c... --session 0b9e... --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := ParseOutputFormat(output)
			if err != nil {
				return err
			}
			if err := req.Validate(); err != nil {
				return err
			}
			p, release, err := deps.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			return runProcess(cmd.Context(), p, req, outWriter(cmd, deps.Out), format)
		},
	}
	cmd.Flags().StringVar(&req.MeetingID, "meeting", "", "Meeting ID (required)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Session ID (required)")
	cmd.Flags().StringVar(&req.RecordingPath, "recording", "", "Transcribe only this recording path")
	cmd.Flags().BoolVar(&req.Force, "force", false, "Take over a session stuck in processing")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	_ = cmd.MarkFlagRequired("meeting")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runProcess(ctx context.Context, p api.Pipeline, req pipeline.Request, w io.Writer, format OutputFormat) error {
	res, err := p.Run(ctx, req)
	if err != nil {
		return err
	}
	if format != OutputFormatText {
		if err := WriteOutput(w, format, res); err != nil {
			return err
		}
	} else {
		writeRunResultText(w, res)
	}
	if res.Status == minutes.StatusError {
		return fmt.Errorf("session %s failed: %s", res.SessionID, firstLine(res.Error))
	}
	return nil
}

func writeRunResultText(w io.Writer, res *pipeline.RunResult) {
	fmt.Fprintf(w, "Session:      %s\n", res.SessionID)
	fmt.Fprintf(w, "Status:       %s\n", res.Status)
	switch res.Status {
	case minutes.StatusSkipped:
		fmt.Fprintf(w, "Reason:       %s\n", res.SkipReason)
	case minutes.StatusError:
		fmt.Fprintf(w, "Error:        %s\n", firstLine(res.Error))
		if res.ErrorCode != "" {
			fmt.Fprintf(w, "Cause:        %s\n", merrors.GetDescription(merrors.ErrorCode(res.ErrorCode)))
		}
		if res.Suggestion != "" {
			fmt.Fprintf(w, "Suggestion:   %s\n", res.Suggestion)
		}
	default:
		fmt.Fprintf(w, "Transcript:   %d chars\n", res.Transcript)
		fmt.Fprintf(w, "Agenda items: %d\n", res.AgendaItems)
		fmt.Fprintf(w, "Action items: %d\n", res.ActionItems)
		fmt.Fprintf(w, "Finalized:    %t\n", res.FinalizeSent)
	}
}

// NewResendCommand creates the resend command.
func NewResendCommand(deps *PipelineCommandDeps) *cobra.Command {
	var meetingID, sessionID, sentBy string
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Email the stored minutes PDF again",
		Long: `Email the stored minutes PDF of a session to the meeting attendees again.

Fails with not found when the session has no PDF yet. The send is recorded on
the session together with --sent-by when given.`,
		Example: `  minutesctl resend --meeting 7d1c... --session 0b9e...
  minutesctl resend --meeting 7d1c... --session 0b9e... --sent-by 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, release, err := deps.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			res, err := p.Resend(cmd.Context(), meetingID, sessionID, sentBy)
			if err != nil {
				return err
			}
			w := outWriter(cmd, deps.Out)
			if res.Skipped {
				fmt.Fprintf(w, "Skipped: %s\n", res.Reason)
				return nil
			}
			fmt.Fprintf(w, "Sent to %d recipient(s): %s\n", len(res.Recipients), strings.Join(res.Recipients, ", "))
			if res.MessageID != "" {
				fmt.Fprintf(w, "Message ID: %s\n", res.MessageID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&meetingID, "meeting", "", "Meeting ID (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (required)")
	cmd.Flags().StringVar(&sentBy, "sent-by", "", "User ID recorded as the sender")
	_ = cmd.MarkFlagRequired("meeting")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

// NewPDFURLCommand creates the pdf-url command.
func NewPDFURLCommand(deps *PipelineCommandDeps) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "pdf-url",
		Short: "Print a signed download link for a session's minutes PDF",
		Long: `Print a signed, time-limited download link for the stored minutes PDF of a
session. Links are valid for 30 days unless durations.signed_url_ttl is set in
the config file.`,
		Example: `  minutesctl pdf-url --session 0b9e...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, release, err := deps.Open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			link, err := p.SignedURL(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(outWriter(cmd, deps.Out), link)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (required)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
