package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/lightfit/internal/store"
)

var (
	historyTrace  bool
	historySelect int
	historyScene  string
	historyOut    string
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show or apply the improvement history of a run",
	Long: `Prints the improvements recorded in a run's history.csv, or its trace with
timestamps. With --select and --out, history entry N is written into the
run's scene and the result saved as a new scene file.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&runsDataDir, "data-dir", "", "Run storage directory (default from config)")
	historyCmd.Flags().BoolVar(&historyTrace, "trace", false, "Show trace.jsonl instead of history.csv")
	historyCmd.Flags().IntVar(&historySelect, "select", -1, "History entry to apply to the scene")
	historyCmd.Flags().StringVar(&historyScene, "scene", "", "Scene YAML path (default: the scene of the run)")
	historyCmd.Flags().StringVar(&historyOut, "out", "", "Scene path written by --select")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	runID := args[0]
	st, err := openRunStore()
	if err != nil {
		return err
	}
	if historySelect >= 0 {
		return applyHistoryEntry(st, runID, historySelect)
	}
	if historyTrace {
		entries, err := store.ReadTrace(st.BaseDir(), runID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tTIMESTAMP\tOBJECTIVE")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%.6g\n", e.Index, e.Timestamp.Format("15:04:05.000"), e.Objective)
		}
		return w.Flush()
	}

	rows, err := store.ReadHistory(st.BaseDir(), runID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No history recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tOBJECTIVE\tPARAMS")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%.6g\t%s\n", r.Index, r.Objective, formatParams(r.Params))
	}
	return w.Flush()
}

func formatParams(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', 6, 64)
	}
	return strings.Join(parts, " ")
}

// applyHistoryEntry writes history entry i of a run into its scene.
func applyHistoryEntry(st *store.FSStore, runID string, i int) error {
	if historyOut == "" {
		return fmt.Errorf("--select requires --out")
	}
	cp, err := st.LoadCheckpoint(runID)
	if err != nil {
		return err
	}
	rows, err := store.ReadHistory(st.BaseDir(), runID)
	if err != nil {
		return err
	}
	if i >= len(rows) {
		return fmt.Errorf("history index %d out of range [0,%d)", i, len(rows))
	}

	scenePath := cp.Config.ScenePath
	if historyScene != "" {
		scenePath = historyScene
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Reparam.QuadraticIntensity = cp.Config.QuadraticIntensity
	o, _, err := newOptimizer(cfg, scenePath)
	if err != nil {
		return err
	}
	if err := cp.IsCompatible(cp.Config.ScenePath, o.Labels()); err != nil {
		return fmt.Errorf("history of %s does not fit %s: %w", runID, scenePath, err)
	}
	applied, err := o.ApplyParameters(rows[i].Params)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("history entry %d does not match the scene parameters", i)
	}
	o.ExportSettings()
	if err := o.Scene().Save(historyOut); err != nil {
		return fmt.Errorf("failed to write scene: %w", err)
	}
	fmt.Printf("Applied entry %d (objective %.6g) and wrote %s\n", i, rows[i].Objective, historyOut)
	return nil
}
