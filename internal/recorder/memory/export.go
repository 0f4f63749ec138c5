package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/friendmap/markerd/internal/geo"
	"github.com/friendmap/markerd/pkg/core"
)

// JournalExport is the root JSON structure.
type JournalExport struct {
	ExportedAt  time.Time        `json:"exportedAt"`
	Count       int              `json:"count"`
	Friends     []string         `json:"friends"`
	Transitions []TransitionJSON `json:"transitions"`
}

// TransitionJSON is one journal line. Positions are [lat, lng].
type TransitionJSON struct {
	SessionID string     `json:"sessionId,omitempty"`
	FriendID  string     `json:"friendId"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Cause     string     `json:"cause"`
	Position  [2]float64 `json:"position"`
	Previous  []float64  `json:"previous,omitempty"`
	Point     string     `json:"point,omitempty"`
	Trail     string     `json:"trail,omitempty"`
	At        time.Time  `json:"at"`
}

// ToJSON converts a transition to its export form. The position is also
// given as an EPSG:3857 WKT point, and move transitions carry their trail
// as WKT in the same projection.
func ToJSON(t core.Transition) TransitionJSON {
	out := TransitionJSON{
		SessionID: t.SessionID,
		FriendID:  t.FriendID,
		From:      t.From.String(),
		To:        t.To.String(),
		Cause:     t.Cause,
		Position:  [2]float64{t.Position.Lat, t.Position.Lng},
		Point:     geo.PointWKT(t.Position),
		At:        t.At,
	}
	if t.Previous != nil {
		out.Previous = []float64{t.Previous.Lat, t.Previous.Lng}
		if t.Cause == core.CauseMove {
			out.Trail = geo.TrailWKT(*t.Previous, t.Position)
		}
	}
	return out
}

// BuildExport snapshots the journal into its export form.
func (b *Backend) BuildExport() JournalExport {
	b.mu.RLock()
	defer b.mu.RUnlock()

	export := JournalExport{
		ExportedAt:  time.Now().UTC(),
		Count:       len(b.transitions),
		Friends:     make([]string, 0, len(b.byFriend)),
		Transitions: make([]TransitionJSON, 0, len(b.transitions)),
	}
	seen := make(map[string]bool, len(b.byFriend))
	for _, t := range b.transitions {
		if !seen[t.FriendID] {
			seen[t.FriendID] = true
			export.Friends = append(export.Friends, t.FriendID)
		}
		export.Transitions = append(export.Transitions, ToJSON(t))
	}
	return export
}

// ExportToDir writes the journal to a timestamped file in dir and returns its path.
func (b *Backend) ExportToDir(dir string, compress bool) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := "journal_" + time.Now().UTC().Format("20060102_150405") + ".json"
	if compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)
	if err := b.Export(path, compress); err != nil {
		return "", err
	}
	return path, nil
}

// Export writes the journal to path, gzipped when compress is set.
func (b *Backend) Export(path string, compress bool) error {
	export := b.BuildExport()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := json.NewEncoder(w).Encode(export); err != nil {
		return fmt.Errorf("failed to encode journal: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	b.mu.Lock()
	b.lastExportPath = path
	b.mu.Unlock()
	return nil
}

// ReadExport reads a journal written by Export, detecting gzip by extension.
func ReadExport(path string) (JournalExport, error) {
	var export JournalExport

	f, err := os.Open(path)
	if err != nil {
		return export, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return export, fmt.Errorf("failed to open gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return export, fmt.Errorf("failed to decode journal: %w", err)
	}
	return export, nil
}
