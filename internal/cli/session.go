package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/session"
	"github.com/lucasnoah/steward/internal/snapshot"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect live agent sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live tmux sessions and the projects using them",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		collab := session.NewCollaborator(session.NewExecTmux(), session.Options{Logger: a.logger})
		ids, err := collab.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		recs, err := a.store.List("")
		if err != nil {
			return err
		}
		owner := make(map[string]string)
		for _, r := range recs {
			if r.LastSessionID != "" {
				owner[r.LastSessionID] = r.Name
			}
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, ids)
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No live sessions.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HANDLE\tNAME\tPATH\tPROJECT")
		for _, id := range ids {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id.Handle, id.Name, dash(id.Path), dash(owner[id.Handle]))
		}
		return w.Flush()
	},
}

var sessionPeekCmd = &cobra.Command{
	Use:   "peek [project-or-handle]",
	Short: "Capture a snapshot and show how it classifies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		collab := session.NewCollaborator(session.NewExecTmux(), session.Options{Logger: a.logger})
		handle := args[0]
		stall := a.cfg.Orchestrator.StallThreshold
		if rec, err := a.store.Get(args[0]); err == nil {
			pc := a.cfg.ResolveProject(rec.Name, rec.Config)
			if pc.StallThreshold > 0 {
				stall = pc.StallThreshold
			}
			handle = rec.LastSessionID
			if handle == "" {
				hints := append([]string{rec.Name}, pc.SessionHints...)
				if pc.RepoPath != "" {
					hints = append(hints, filepath.Base(pc.RepoPath))
				}
				h, found, err := collab.LocateSession(cmd.Context(), hints)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("no live session found for project %s", rec.Name)
				}
				handle = h
			}
		} else if !errors.Is(err, registry.ErrNotFound) && !errors.Is(err, registry.ErrInvalidName) {
			return err
		}

		snap, err := collab.CaptureSnapshot(cmd.Context(), handle)
		if err != nil {
			return err
		}
		state := snapshot.NewClassifier(stall).Classify(snap)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{"state": state, "snapshot": snap})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Session:  %s\n", handle)
		fmt.Fprintf(out, "State:    %s\n", state)
		fmt.Fprintf(out, "Busy:     %v\n", snap.IsBusy)
		fmt.Fprintf(out, "Input:    %v %q\n", snap.HasInputField, snap.InputText)
		fmt.Fprintf(out, "Todos:    %d/%d complete\n", snap.Todos.Completed, snap.Todos.Total)
		fmt.Fprintf(out, "Idle:     %s\n", snap.IdleDuration)
		for _, e := range snap.Errors {
			fmt.Fprintf(out, "Error:    [%s/%s] %s\n", e.Severity, e.Category, e.Message)
		}
		for _, wn := range snap.Warnings {
			fmt.Fprintf(out, "Warning:  %s\n", wn.Message)
		}
		return nil
	},
}

func init() {
	sessionListCmd.Flags().String("format", "text", "Output format: text or json")
	sessionPeekCmd.Flags().String("format", "text", "Output format: text or json")
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionPeekCmd)
}
