package cli

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/dispatchd/internal/model"
)

func newEnqueueCommand(opts *Options) *cobra.Command {
	var (
		sessionID string
		userID    string
		filePath  string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [command text]",
		Short: "Submit a command to the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"command": strings.Join(args, " "),
			}
			if sessionID != "" {
				params["session_id"] = sessionID
			}
			if userID != "" {
				params["user_id"] = userID
			}
			if filePath != "" {
				info, err := fileAttachment(filePath)
				if err != nil {
					return err
				}
				params["file"] = info
			}

			data, err := call(opts, "enqueue", params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued request_id=%s session_id=%s\n",
				data["request_id"], data["session_id"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID (minted if omitted)")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID for per-user rate limits")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Attach a local file by reference")
	return cmd
}

// fileAttachment builds attachment metadata from a local path. Only the
// reference travels with the command.
func fileAttachment(path string) (*model.FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &model.FileInfo{
		Name:        filepath.Base(path),
		ContentType: contentType,
		SizeBytes:   st.Size(),
	}, nil
}

func newStatsCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue, breaker and throughput stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(opts, "stats", nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue_depth:       %v\n", data["queue_depth"])
			fmt.Fprintf(out, "dead_letter_depth: %v\n", data["dead_letter_depth"])
			fmt.Fprintf(out, "served_total:      %v\n", data["served_total"])
			fmt.Fprintf(out, "uptime_sec:        %v\n", data["uptime_sec"])
			fmt.Fprintf(out, "consumers:         %v\n", data["consumers"])

			if breakers, ok := data["breakers"].(map[string]any); ok && len(breakers) > 0 {
				fmt.Fprintln(out, "breakers:")
				for agent, raw := range breakers {
					b, _ := raw.(map[string]any)
					fmt.Fprintf(out, "  %-22s state=%v failures=%v\n",
						agent, b["state"], b["failure_count"])
				}
			}
			return nil
		},
	}
}

func newDeadLettersCommand(opts *Options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(opts, "dead_letters", nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(data)
			}

			entries, _ := data["entries"].([]any)
			if len(entries) == 0 {
				fmt.Fprintln(out, "no dead letters")
				return nil
			}
			for _, raw := range entries {
				e, _ := raw.(map[string]any)
				fmt.Fprintf(out, "%v  reason=%v retries=%v  %v\n",
					e["request_id"], e["reason"], e["retry_count"], e["command"])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON")
	return cmd
}

func newScanCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Trigger an immediate inbox scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(opts, "scan", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "scan triggered")
			return nil
		},
	}
}

func newStopCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(opts, "shutdown", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func newPingCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := call(opts, "ping", nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "daemon up project=%v\n", data["project"])
			return nil
		},
	}
}

// call sends one control command and decodes the success payload. Daemon-side
// errors come back as plain errors carrying the daemon's code and message.
func call(opts *Options, command string, params any) (map[string]any, error) {
	resp, err := opts.client().SendCommand(command, params)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("daemon rejected %q", command)
	}

	data := map[string]any{}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return data, nil
}
