package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/agentworkforce/steptrail/internal/uploader"
	"github.com/fatih/color"
)

func colorState(state steptrail.SyncState) string {
	switch state {
	case steptrail.SyncSynced:
		return color.GreenString(string(state))
	case steptrail.SyncPending:
		return color.YellowString(string(state))
	case steptrail.SyncFailed, steptrail.SyncBlocked:
		return color.RedString(string(state))
	case "":
		return color.HiBlackString("none")
	default:
		return color.HiBlackString(string(state))
	}
}

func renderStatus(w io.Writer, status steptrail.CaptureStatus) {
	capturing := color.HiBlackString("idle")
	if status.IsCapturing {
		capturing = color.GreenString("capturing")
	}
	fmt.Fprintf(w, "Capture: %s\n", capturing)
	if status.StartedAt != nil {
		fmt.Fprintf(w, "Started: %s\n", status.StartedAt.Local().Format(time.RFC3339))
	}
	if status.SessionID == "" {
		fmt.Fprintln(w, "Session: none")
		return
	}
	fmt.Fprintf(w, "Session: %s\n", status.SessionID)
	fmt.Fprintf(w, "Steps:   %d\n", status.StepsCount)
	fmt.Fprintf(w, "Sync:    %s\n", colorState(status.SyncStatus))
	if status.SyncStatus == steptrail.SyncPending {
		fmt.Fprintln(w, "         uploads on stop when auto-upload is on, or run `steptrail sync`")
	}
}

func renderDiscard(w io.Writer, result steptrail.DiscardResult) {
	if !result.Discarded {
		fmt.Fprintln(w, "nothing to discard")
		return
	}
	fmt.Fprintf(w, "discarded step %s from %s (%d left)\n", result.StepID, result.SessionID, result.StepsCount)
}

func renderSyncStates(w io.Writer, states map[string]steptrail.SyncState) {
	if len(states) == 0 {
		fmt.Fprintln(w, "nothing to sync")
		return
	}
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "%s %s\n", id, colorState(states[id]))
	}
}

func renderRemoteSessions(w io.Writer, items []uploader.RemoteSession) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no remote sessions")
		return
	}
	for _, item := range items {
		title := item.Title
		if title == "" {
			title = color.HiBlackString("(untitled)")
		}
		fmt.Fprintf(w, "%s %s %s %s\n", item.SessionID, color.CyanString("%d steps", item.StepsCount), color.HiBlackString(item.UpdatedAt), title)
	}
}
