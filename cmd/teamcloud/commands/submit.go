package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

type submitOptions struct {
	id       string
	action   string
	project  string
	user     string
	org      string
	payload  string
	wait     bool
	interval time.Duration
	timeout  time.Duration
}

func newSubmitCommand(opts *options) *cobra.Command {
	so := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a project command",
		Long: `Submit a project command to the orchestration service.

The payload is inline JSON or @path to read it from a file. For create and
update commands it is the project document.`,
		Example: `  teamcloud submit --action create --user alice --payload @project.json
  teamcloud submit --action delete --project p-123 --user alice --wait`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			command, err := so.command()
			if err != nil {
				return err
			}

			baseURL, err := opts.apiURL()
			if err != nil {
				return err
			}
			client := newAPIClient(baseURL)
			p := newPrinter(cmd.OutOrStdout(), opts.jsonOutput)

			status, err := client.submit(cmd.Context(), command)
			if err != nil {
				return err
			}
			if so.wait {
				status, err = waitForCommand(cmd, client, status, so.interval, so.timeout)
				if err != nil {
					return err
				}
			}
			return p.status(status)
		},
	}

	cmd.Flags().StringVar(&so.id, "id", "", "command id (generated when empty)")
	cmd.Flags().StringVarP(&so.action, "action", "a", "", "command action: create, update, delete or custom")
	cmd.Flags().StringVarP(&so.project, "project", "p", "", "target project id")
	cmd.Flags().StringVarP(&so.user, "user", "u", "", "id of the issuing user")
	cmd.Flags().StringVar(&so.org, "organization", "", "organization of the issuing user")
	cmd.Flags().StringVar(&so.payload, "payload", "", "command payload as JSON or @file")
	cmd.Flags().BoolVarP(&so.wait, "wait", "w", false, "wait until the command completes")
	cmd.Flags().DurationVar(&so.interval, "interval", 2*time.Second, "status poll interval with --wait")
	cmd.Flags().DurationVar(&so.timeout, "timeout", 30*time.Minute, "maximum wait with --wait")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func (so *submitOptions) command() (*engine.Command, error) {
	action := engine.CommandAction(strings.ToLower(so.action))
	if err := action.Validate(); err != nil {
		return nil, err
	}

	payload, err := readPayload(so.payload)
	if err != nil {
		return nil, err
	}

	id := so.id
	if id == "" {
		id = uuid.NewString()
	}

	return &engine.Command{
		CommandID: id,
		ProjectID: so.project,
		Action:    action,
		Payload:   payload,
		IssuedBy:  engine.User{ID: so.user, Organization: so.org},
		CreatedAt: time.Now().UTC(),
	}, nil
}

func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}

	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// waitForCommand polls until the command leaves the accepted state.
func waitForCommand(cmd *cobra.Command, client *apiClient, status *engine.StatusResult, interval, timeout time.Duration) (*engine.StatusResult, error) {
	ctx := cmd.Context()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for status.Status == engine.StatusKindAccepted {
		if time.Now().After(deadline) {
			return status, fmt.Errorf("command %s did not complete within %s", status.TrackingID, timeout)
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}

		next, err := client.status(ctx, status.TrackingID, "")
		if err != nil {
			return status, err
		}
		status = next
	}
	return status, nil
}
