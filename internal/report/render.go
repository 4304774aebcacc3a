package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

// Format selects the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML, FormatTOML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text, json, yaml or toml)", s)
	}
}

// Theme holds the colours of the text output.
type Theme struct {
	Pass   lipgloss.Color
	Warn   lipgloss.Color
	Fail   lipgloss.Color
	Accent lipgloss.Color
	Muted  lipgloss.Color
}

var defaultTheme = Theme{
	Pass:   lipgloss.Color("#00D787"),
	Warn:   lipgloss.Color("#FFAF00"),
	Fail:   lipgloss.Color("#FF005F"),
	Accent: lipgloss.Color("#5FAFD7"),
	Muted:  lipgloss.Color("#6C6C6C"),
}

// Renderer writes reports to one writer.
type Renderer struct {
	w      io.Writer
	format Format
	lg     *lipgloss.Renderer
	theme  Theme
}

// New returns a renderer. Colour is used only when color is true.
func New(w io.Writer, format Format, color bool) *Renderer {
	lg := lipgloss.NewRenderer(w)
	if color {
		lg.SetColorProfile(termenv.EnvColorProfile())
	} else {
		lg.SetColorProfile(termenv.Ascii)
	}
	return &Renderer{w: w, format: format, lg: lg, theme: defaultTheme}
}

// ColorEnabled reports whether w is a terminal and NO_COLOR is unset.
func ColorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || termenv.EnvNoColor() {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// RenderPass styles a success marker.
func (r *Renderer) RenderPass(s string) string {
	return r.lg.NewStyle().Foreground(r.theme.Pass).Bold(true).Render(s)
}

// RenderWarn styles a warning marker.
func (r *Renderer) RenderWarn(s string) string {
	return r.lg.NewStyle().Foreground(r.theme.Warn).Bold(true).Render(s)
}

// RenderFail styles a failure marker.
func (r *Renderer) RenderFail(s string) string {
	return r.lg.NewStyle().Foreground(r.theme.Fail).Bold(true).Render(s)
}

// RenderAccent styles a heading.
func (r *Renderer) RenderAccent(s string) string {
	return r.lg.NewStyle().Foreground(r.theme.Accent).Bold(true).Render(s)
}

func (r *Renderer) muted(s string) string {
	return r.lg.NewStyle().Foreground(r.theme.Muted).Render(s)
}

func (r *Renderer) status(s string) string {
	switch s {
	case string(sync.RunSuccess), string(tracker.StatusCompleted):
		return r.RenderPass(s)
	case string(sync.RunPartial), string(sync.RunDegraded), string(tracker.StatusSkipped), string(tracker.StatusRunning):
		return r.RenderWarn(s)
	case string(sync.RunFailed): // also tracker.StatusFailed
		return r.RenderFail(s)
	default:
		return s
	}
}

// Run writes a run report.
func (r *Renderer) Run(rep *sync.Report) error {
	doc := FromRun(rep)
	if r.format != FormatText {
		return r.encode(doc)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s (exit %d)\n", r.RenderAccent("Run"), doc.RunID, r.status(doc.Status), doc.ExitCode)
	fmt.Fprintf(&b, "Started %s, took %s\n", doc.StartedAt.Format("2006-01-02T15:04:05Z07:00"), rep.FinishedAt.Sub(rep.StartedAt))
	if doc.DryRun {
		b.WriteString(r.muted("Dry run: nothing was written") + "\n")
	}
	if doc.Cause != "" {
		fmt.Fprintf(&b, "Cause: %s\n", doc.Cause)
	}
	b.WriteString("\n")
	r.phaseTable(&b, doc.Phases)

	if doc.FallbackRunID != "" {
		fmt.Fprintf(&b, "\n%s %s\n\n", r.RenderWarn("Fallback"), doc.FallbackRunID)
		r.phaseTable(&b, doc.Fallback)
	}

	t := rep.Totals()
	fmt.Fprintf(&b, "\nTotals: %d synced, %d errors, %d unresolved\n", t.Synced, t.Errors, t.Unresolved)
	fmt.Fprintf(&b, "Requests: %d, peak in flight %d of %d\n", doc.APICalls, doc.PeakInFlight, rep.Limiter.Limit)
	if len(doc.Purged) > 0 {
		parts := make([]string, len(doc.Purged))
		for i, p := range doc.Purged {
			parts[i] = fmt.Sprintf("%s=%d", p.EntityType, p.Rows)
		}
		fmt.Fprintf(&b, "Purged synthetic rows: %s\n", strings.Join(parts, ", "))
	}

	_, err := io.WriteString(r.w, b.String())
	return err
}

const (
	phaseHeader = "%-10s %-10s %8s %7s %8s %7s %9s %6s %10s"
	phaseRow    = "%-10s %s %8d %7d %8d %7d %9d %6d %10d"
)

func (r *Renderer) phaseTable(b *strings.Builder, phases []PhaseDocument) {
	header := fmt.Sprintf(phaseHeader, "ENTITY", "STATUS", "EXPECTED", "SYNCED", "INSERTED", "UPDATED", "UNCHANGED", "ERRORS", "UNRESOLVED")
	b.WriteString(r.lg.NewStyle().Bold(true).Render(header) + "\n")
	var notes []string
	for _, p := range phases {
		status := r.status(fmt.Sprintf("%-10s", p.Status))
		fmt.Fprintf(b, phaseRow+"\n", p.EntityType, status, p.TotalExpected, p.SyncedCount,
			p.Inserted, p.Updated, p.Unchanged, p.ErrorCount, p.UnresolvedRelationCount)
		if p.Reason != "" {
			notes = append(notes, fmt.Sprintf("  %s: %s", p.EntityType, p.Reason))
		}
	}
	for _, n := range notes {
		b.WriteString(r.muted(n) + "\n")
	}
}

// Status writes job state rows.
func (r *Renderer) Status(doc StatusDocument) error {
	if r.format != FormatText {
		return r.encode(doc)
	}

	var b strings.Builder
	if len(doc.Entities) == 0 {
		b.WriteString("No sync runs recorded\n")
		_, err := io.WriteString(r.w, b.String())
		return err
	}
	if doc.RunID != "" {
		fmt.Fprintf(&b, "%s %s\n\n", r.RenderAccent("Run"), doc.RunID)
	} else {
		fmt.Fprintf(&b, "%s\n\n", r.RenderAccent("Latest state per entity type"))
	}

	header := fmt.Sprintf("%-10s %-10s %8s %7s %6s %10s  %-20s  %s",
		"ENTITY", "STATUS", "EXPECTED", "SYNCED", "ERRORS", "UNRESOLVED", "COMPLETED", "RUN")
	b.WriteString(r.lg.NewStyle().Bold(true).Render(header) + "\n")
	for _, s := range doc.Entities {
		completed := "-"
		if s.CompletedAt != nil {
			completed = s.CompletedAt.Format("2006-01-02T15:04:05Z")
		}
		fmt.Fprintf(&b, "%-10s %s %8d %7d %6d %10d  %-20s  %s\n",
			s.EntityType, r.status(fmt.Sprintf("%-10s", s.Status)), s.TotalExpected, s.SyncedCount,
			s.ErrorCount, s.UnresolvedRelationCount, completed, s.RunID)
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

func (r *Renderer) encode(v any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(r.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(r.w).Encode(v); err != nil {
			return fmt.Errorf("encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q", r.format)
	}
}
