package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/friendmap/markerd/internal/geo"
	"github.com/friendmap/markerd/internal/recorder/gormstore"
	"github.com/friendmap/markerd/internal/recorder/memory"
	"github.com/friendmap/markerd/pkg/core"
)

var (
	journalFriend string
	journalSQLite bool
	journalLimit  int
	journalNear   string
	journalWithin float64
)

var journalCmd = &cobra.Command{
	Use:   "journal <export-file|sqlite-db>",
	Short: "Summarise a recorded transition journal",
	Long: `journal reads a journal written by the memory recorder (.json or .json.gz)
and prints per-friend transition counts. With --sqlite it reads a database
written by the sqlite recorder and prints counts per cause instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var near *core.LatLng
		if journalNear != "" {
			p, err := geo.ParseLatLng(journalNear)
			if err != nil {
				return fmt.Errorf("--near %q: %w", journalNear, err)
			}
			near = &p
		}

		if journalSQLite {
			return printSQLiteJournal(cmd, args[0], journalFriend, journalLimit, near, journalWithin)
		}

		export, err := memory.ReadExport(args[0])
		if err != nil {
			return err
		}
		if near != nil {
			export = filterNear(export, *near, journalWithin)
		}
		return printJournal(cmd, export, journalFriend)
	},
}

func init() {
	journalCmd.Flags().StringVar(&journalFriend, "friend", "", "Only list transitions of this friend")
	journalCmd.Flags().BoolVar(&journalSQLite, "sqlite", false, "Read a SQLite journal instead of a JSON export")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 0, "Maximum transitions listed with --friend and --sqlite (0 for all)")
	journalCmd.Flags().StringVar(&journalNear, "near", "", `Only keep transitions near "lat,lng"`)
	journalCmd.Flags().Float64Var(&journalWithin, "within", 500, "Radius in metres used with --near")
}

func printJournal(cmd *cobra.Command, export memory.JournalExport, friend string) error {
	out := cmd.OutOrStdout()

	if friend != "" {
		for _, t := range export.Transitions {
			if t.FriendID != friend {
				continue
			}
			fmt.Fprintf(out, "%s %s %s->%s (%s)\n", t.At.UTC().Format("15:04:05.000"), t.FriendID, t.From, t.To, t.Cause)
		}
		return nil
	}

	counts := make(map[string]int, len(export.Friends))
	for _, t := range export.Transitions {
		counts[t.FriendID]++
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "exported %s: %d transitions, %d friends\n",
		export.ExportedAt.UTC().Format("2006-01-02 15:04:05"), export.Count, len(ids))
	for _, id := range ids {
		fmt.Fprintf(out, "  %-24s %d\n", id, counts[id])
	}
	return nil
}

// filterNear keeps the transitions that ended within metres of p.
func filterNear(export memory.JournalExport, p core.LatLng, metres float64) memory.JournalExport {
	kept := export.Transitions[:0:0]
	for _, t := range export.Transitions {
		at := core.LatLng{Lat: t.Position[0], Lng: t.Position[1]}
		if geo.Distance(at, p) <= metres {
			kept = append(kept, t)
		}
	}
	export.Transitions = kept
	export.Count = len(kept)
	return export
}

func printSQLiteJournal(cmd *cobra.Command, path, friend string, limit int, near *core.LatLng, metres float64) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	db, err := gormstore.OpenSQLite(path)
	if err != nil {
		return err
	}
	store := gormstore.New(db, gormstore.Config{}, nil)
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if friend != "" {
		rows, err := store.History(ctx, friend, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if near != nil && geo.Distance(core.LatLng{Lat: r.Lat, Lng: r.Lng}, *near) > metres {
				continue
			}
			fmt.Fprintf(out, "%s %s %s->%s (%s)\n", r.At.UTC().Format("15:04:05.000"), r.FriendID, r.FromPhase, r.ToPhase, r.Cause)
		}
		return nil
	}

	counts, err := store.CountByCause(ctx)
	if err != nil {
		return err
	}
	causes := make([]string, 0, len(counts))
	var total int64
	for cause, n := range counts {
		causes = append(causes, cause)
		total += n
	}
	sort.Strings(causes)

	fmt.Fprintf(out, "%s: %d transitions\n", path, total)
	for _, cause := range causes {
		fmt.Fprintf(out, "  %-8s %d\n", cause, counts[cause])
	}
	return nil
}
