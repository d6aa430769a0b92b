package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/callflow/pkg/callflow"
	"github.com/dukex/callflow/pkg/cmd"
	"github.com/dukex/callflow/pkg/log"
	"github.com/dukex/callflow/pkg/models"
)

var ErrReplaySource = errors.New("replay needs --info and --events, or --call-id and --call-log-url")

// ReplayResult is what replaying a call's log reconstructs.
type ReplayResult struct {
	CallID  string                 `json:"callId"`
	State   models.CallState       `json:"state"`
	Events  int                    `json:"events"`
	Handoff *models.HandoffPayload `json:"handoff,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func NewReplayCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "replay",
		Aliases: []string{"r"},
		Usage:   "Rebuild a call's state and handoff from its event log",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "info",
				Usage: "JSON file with the call info",
			},
			&cli.StringFlag{
				Name:  "events",
				Usage: "JSON file with the call's event array",
			},
			&cli.StringFlag{
				Name:  "call-id",
				Usage: "Replay a stored call instead of files",
			},
			&cli.StringFlag{
				Name:    "call-log-url",
				Usage:   "Call log store to read --call-id from (redis://, postgres://)",
				Sources: cli.EnvVars("CALL_LOG_URL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			info, events, err := loadCallLog(ctx, command)
			if err != nil {
				return err
			}

			machine, replayErr := callflow.Replay(info, events)

			result := ReplayResult{
				CallID:  info.CallID,
				State:   machine.State(),
				Events:  len(machine.Events()),
				Handoff: machine.Handoff(),
			}

			if replayErr != nil {
				result.Error = replayErr.Error()
			}

			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")

			err = encoder.Encode(result)
			if err != nil {
				return err
			}

			return replayErr
		},
	}
}

func loadCallLog(ctx context.Context, command *cli.Command) (models.CallInfo, []models.CallEvent, error) {
	var (
		info   models.CallInfo
		events []models.CallEvent
	)

	if command.String("info") != "" && command.String("events") != "" {
		if err := readJSON(command.String("info"), &info); err != nil {
			return info, nil, err
		}

		if err := readJSON(command.String("events"), &events); err != nil {
			return info, nil, err
		}

		return info, events, nil
	}

	callID, url := command.String("call-id"), command.String("call-log-url")
	if callID == "" || url == "" {
		return info, nil, ErrReplaySource
	}

	logger := log.WithModule("callflow").With("action", "replay")

	calls, err := cmd.NewCallLog(ctx, logger, url, 0)
	if err != nil {
		return info, nil, err
	}

	defer func() {
		if err := calls.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close call log", "error", err)
		}
	}()

	stored, err := calls.Call(ctx, callID)
	if err != nil {
		return info, nil, err
	}

	events, err = calls.Events(ctx, callID)
	if err != nil {
		return info, nil, err
	}

	return *stored, events, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return nil
}
