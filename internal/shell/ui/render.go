package ui

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/artpar/pushdeploy/internal/shell/diagnose"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat is returned for an output format other than text, json or yaml.
var ErrUnknownFormat = errors.New("output format must be one of text, json, yaml")

// Format selects how results are written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates an output format name. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// =============================================================================
// Deployment Report
// =============================================================================

// WriteReport writes a deployment report in the given format.
func WriteReport(w io.Writer, report *domain.DeploymentReport, format Format) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, report)
	case FormatYAML:
		return writeYAML(w, report)
	case FormatText, "":
		_, err := io.WriteString(w, RenderReport(report)+"\n")
		return err
	default:
		return ErrUnknownFormat
	}
}

// RenderReport renders a report as styled terminal text.
func RenderReport(r *domain.DeploymentReport) string {
	var b strings.Builder

	box, icon, style := outcomeStyle(r.Outcome)
	title := style.Render(fmt.Sprintf("%s %s", icon, outcomeLabel(r.Outcome)))
	if d := r.Duration(); d > 0 {
		title += "  " + DimStyle.Render(d.Round(time.Millisecond).String())
	}

	summary := []string{title}
	if r.Message != "" {
		summary = append(summary, r.Message)
	}
	if r.Error != "" {
		summary = append(summary, DimStyle.Render("Error: ")+ErrorStyle.Render(r.Error))
	}
	b.WriteString(box.Render(strings.Join(summary, "\n")))
	b.WriteString("\n")

	if len(r.Phases) > 0 {
		b.WriteString("\n" + TitleStyle.Render("Phases") + "\n")
		for _, p := range r.Phases {
			b.WriteString(renderPhase(p) + "\n")
		}
	}

	if h := r.Health; h != nil {
		b.WriteString("\n" + TitleStyle.Render("Health") + "\n")
		b.WriteString(fmt.Sprintf("  %s %s\n", DimStyle.Render("HTTP status:"), valueOr(h.HTTPStatus, "none")))
		b.WriteString(fmt.Sprintf("  %s %s\n", DimStyle.Render("PID:"), valueOr(h.PID, "none")))
		b.WriteString(fmt.Sprintf("  %s %d\n", DimStyle.Render("Attempts:"), h.Attempts))
		if h.DiagnosticLog != "" {
			b.WriteString(LogBoxStyle.Render(h.DiagnosticLog) + "\n")
		}
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\n" + TitleStyle.Render("Warnings") + "\n")
		for _, warn := range r.Warnings {
			b.WriteString("  " + WarningStyle.Render("! "+warn) + "\n")
		}
	}

	if len(r.URLs) > 0 {
		b.WriteString("\n" + TitleStyle.Render("URLs") + "\n")
		for _, u := range r.URLs {
			b.WriteString("  " + LinkStyle.Render(u) + "\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func renderPhase(p domain.PhaseRecord) string {
	var icon string
	var style lipgloss.Style
	switch p.Status {
	case domain.PhaseOK:
		icon, style = "✓", SuccessStyle
	case domain.PhaseWarning:
		icon, style = "!", WarningStyle
	case domain.PhaseFailed:
		icon, style = "✗", ErrorStyle
	default:
		icon, style = "-", DimStyle
	}

	line := fmt.Sprintf("  %s %-8s", style.Render(icon), p.Phase)
	if p.Status != domain.PhaseSkipped {
		line += " " + DimStyle.Render(p.Duration.Round(time.Millisecond).String())
	} else {
		line += " " + DimStyle.Render("skipped")
	}
	if p.Detail != "" {
		line += "  " + p.Detail
	}
	return line
}

func outcomeStyle(o domain.Outcome) (lipgloss.Style, string, lipgloss.Style) {
	switch o {
	case domain.OutcomeSuccess:
		return SuccessBoxStyle, "✓", SuccessStyle
	case domain.OutcomeDegraded:
		return DegradedBoxStyle, "!", WarningStyle
	default:
		return AbortedBoxStyle, "✗", ErrorStyle
	}
}

func outcomeLabel(o domain.Outcome) string {
	switch o {
	case domain.OutcomeSuccess:
		return "Deployed"
	case domain.OutcomeDegraded:
		return "Deployed, not confirmed healthy"
	case domain.OutcomeAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// =============================================================================
// Diagnostics
// =============================================================================

// WriteDiagnostics writes diagnostic sections in the given format.
func WriteDiagnostics(w io.Writer, host string, sections []diagnose.Section, format Format) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, sections)
	case FormatYAML:
		return writeYAML(w, sections)
	case FormatText, "":
		_, err := io.WriteString(w, RenderDiagnostics(host, sections)+"\n")
		return err
	default:
		return ErrUnknownFormat
	}
}

// RenderDiagnostics renders diagnostic sections as titled blocks.
func RenderDiagnostics(host string, sections []diagnose.Section) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Diagnostics for "+host) + "\n")
	for _, s := range sections {
		b.WriteString("\n" + TitleStyle.Render("== "+s.Title) + "  " + DimStyle.Render(s.Command) + "\n")
		switch {
		case s.Output != "":
			b.WriteString(s.Output + "\n")
		case s.ExitStatus < 0:
			b.WriteString(ErrorStyle.Render("check could not run") + "\n")
		default:
			b.WriteString(DimStyle.Render("(no output)") + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// =============================================================================
// Encoders
// =============================================================================

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
