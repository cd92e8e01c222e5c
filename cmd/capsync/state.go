package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/capsync/internal/config"
	"github.com/steveyegge/capsync/internal/statestore"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect sync state rows",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task sync state rows",
	RunE:  runStateList,
}

var stateGetCmd = &cobra.Command{
	Use:   "get <source-item-id>",
	Short: "Show one task's sync state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateGet,
}

func init() {
	stateCmd.AddCommand(stateListCmd, stateGetCmd)
}

// openStore opens the configured state store read path. State inspection
// needs no adapter credentials, so only the state section is validated.
func openStore() (statestore.Store, error) {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cfg.State.Path == "" {
		return nil, fmt.Errorf("state.path is not configured; nothing to inspect")
	}
	return statestore.OpenSQLite(cfg.State.Path, cfg.State.Namespace)
}

func runStateList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	states, err := statestore.NewTaskStates(store).List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ExternalID < states[j].ExternalID })

	for _, s := range states {
		note := ""
		if s.ErrorNote != "" {
			note = "  " + s.ErrorNote
		}
		fmt.Printf("%-14s %-9s %-20s %s%s\n",
			s.ExternalID, s.Status, s.LastSyncedAt.Format(time.RFC3339), s.DestPageID, note)
	}
	return nil
}

func runStateGet(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state, err := statestore.NewTaskStates(store).Get(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

// waitTick sleeps briefly between queue-drain polls.
func waitTick(ctx context.Context) {
	t := time.NewTimer(200 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
