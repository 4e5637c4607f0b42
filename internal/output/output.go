// Package output renders CLI results as aligned tables, JSON, or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatYAML:
		return p.printYAML(data)
	default:
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// structured reports whether output bypasses the table renderers.
func (p *Printer) structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

// AllocationRow is one category outcome of an allocate call. Evicted counts
// the sets removed from the user's record to make room for this draw.
type AllocationRow struct {
	Category string `json:"category" yaml:"category"`
	SetID    string `json:"set_id,omitempty" yaml:"set_id,omitempty"`
	Status   string `json:"status" yaml:"status"` // "allocated" or a reason code
	Evicted  int    `json:"evicted,omitempty" yaml:"evicted,omitempty"`
}

// PrintAllocations prints the per-category outcome of a batch allocation.
func (p *Printer) PrintAllocations(userID string, rows []AllocationRow) error {
	if p.structured() {
		return p.Print(struct {
			UserID      string          `json:"user_id" yaml:"user_id"`
			Allocations []AllocationRow `json:"allocations" yaml:"allocations"`
		}{userID, rows})
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No categories requested")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "CATEGORY\tSET ID\tSTATUS\tEVICTED"))

	allocated, evicted := 0, 0
	for _, row := range rows {
		status := row.Status
		switch {
		case status == "allocated":
			allocated++
			status = p.Colorize(Green, status)
		case status == "NO_SETS_AVAILABLE":
			status = p.Colorize(Yellow, status)
		default:
			status = p.Colorize(Red, status)
		}
		setID := row.SetID
		if setID == "" {
			setID = "-"
		}
		evicted += row.Evicted
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Colorize(Cyan, row.Category), setID, status, row.Evicted)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d allocated, %d failed", allocated, len(rows)-allocated)
	if evicted > 0 {
		summary += fmt.Sprintf(", %d evicted", evicted)
	}
	fmt.Fprintf(p.writer, "\n%s: %s\n", p.Colorize(Bold, userID), summary)
	return nil
}

// EvictionRow is one set removed from a user's allocation record.
type EvictionRow struct {
	Category string `json:"category" yaml:"category"`
	SetID    string `json:"set_id" yaml:"set_id"`
	Reason   string `json:"reason" yaml:"reason"`
}

// PrintEvictions prints the sets an eviction pass removed.
func (p *Printer) PrintEvictions(userID string, rows []EvictionRow) error {
	if p.structured() {
		return p.Print(struct {
			UserID  string        `json:"user_id" yaml:"user_id"`
			Evicted []EvictionRow `json:"evicted" yaml:"evicted"`
		}{userID, rows})
	}

	if len(rows) == 0 {
		fmt.Fprintf(p.writer, "Nothing to evict for %s\n", userID)
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "CATEGORY\tSET ID\tREASON"))
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			p.Colorize(Cyan, row.Category), row.SetID, p.Colorize(Yellow, row.Reason))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(p.writer, "\n%s: %d sets evicted\n", p.Colorize(Bold, userID), len(rows))
	return nil
}

// PoolRow summarizes one category pool.
type PoolRow struct {
	Category      string `json:"category" yaml:"category"`
	Available     int    `json:"available" yaml:"available"`
	LastBatchSize int    `json:"last_batch_size" yaml:"last_batch_size"`
	LastUpdated   string `json:"last_updated,omitempty" yaml:"last_updated,omitempty"`
}

// PrintPools prints pool metadata, one row per category.
func (p *Printer) PrintPools(rows []PoolRow) error {
	if p.structured() {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No pools found")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "CATEGORY\tAVAILABLE\tLAST BATCH\tUPDATED"))
	for _, row := range rows {
		updated := row.LastUpdated
		if updated == "" {
			updated = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			p.Colorize(Cyan, row.Category), row.Available, row.LastBatchSize, updated)
	}
	return w.Flush()
}

// UserCategoryRow is one category in a user's allocation record.
type UserCategoryRow struct {
	Category string   `json:"category" yaml:"category"`
	SetIDs   []string `json:"set_ids" yaml:"set_ids"`
	OldestAt string   `json:"oldest_at,omitempty" yaml:"oldest_at,omitempty"`
	NewestAt string   `json:"newest_at,omitempty" yaml:"newest_at,omitempty"`
}

// PrintUserAllocations prints a user's per-category allocation lists. Wide
// format spells out the set ids.
func (p *Printer) PrintUserAllocations(userID string, rows []UserCategoryRow) error {
	if p.structured() {
		return p.Print(struct {
			UserID     string            `json:"user_id" yaml:"user_id"`
			Categories []UserCategoryRow `json:"categories" yaml:"categories"`
		}{userID, rows})
	}

	if len(rows) == 0 {
		fmt.Fprintf(p.writer, "No allocations for %s\n", userID)
		return nil
	}

	w := p.TableWriter()
	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "CATEGORY\tSETS\tOLDEST\tNEWEST\tSET IDS"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "CATEGORY\tSETS\tOLDEST\tNEWEST"))
	}

	total := 0
	for _, row := range rows {
		total += len(row.SetIDs)
		oldest, newest := row.OldestAt, row.NewestAt
		if oldest == "" {
			oldest = "-"
		}
		if newest == "" {
			newest = "-"
		}
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.Category), len(row.SetIDs), oldest, newest,
				strings.Join(row.SetIDs, ","))
		} else {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				p.Colorize(Cyan, row.Category), len(row.SetIDs), oldest, newest)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(p.writer, "\n%s: %d sets across %d categories\n",
		p.Colorize(Bold, userID), total, len(rows))
	return nil
}

// RunRow is one build or generation run in history.
type RunRow struct {
	ID         string  `json:"id" yaml:"id"`
	Kind       string  `json:"kind" yaml:"kind"`
	StartedAt  string  `json:"started_at" yaml:"started_at"`
	FinishedAt string  `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Status     string  `json:"status" yaml:"status"` // running, ok, error
	Summary    string  `json:"summary,omitempty" yaml:"summary,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty" yaml:"cost_usd,omitempty"`
	Error      string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// PrintRuns prints run history. Wide format adds cost and error columns.
func (p *Printer) PrintRuns(rows []RunRow) error {
	if p.structured() {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No runs recorded")
		return nil
	}

	w := p.TableWriter()
	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tKIND\tSTARTED\tSTATUS\tSUMMARY\tCOST\tERROR"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tKIND\tSTARTED\tSTATUS\tSUMMARY"))
	}

	for _, row := range rows {
		status := row.Status
		switch status {
		case "ok":
			status = p.Colorize(Green, status)
		case "error":
			status = p.Colorize(Red, status)
		default:
			status = p.Colorize(Yellow, status)
		}
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t$%.4f\t%s\n",
				p.Colorize(Cyan, row.ID), row.Kind, row.StartedAt, status,
				row.Summary, row.CostUSD, row.Error)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.ID), row.Kind, row.StartedAt, status, row.Summary)
		}
	}
	return w.Flush()
}

// LimitsView is the runtime-mutable allocation limits pair.
type LimitsView struct {
	MaxSetsPerCategory int `json:"max_sets_per_category" yaml:"max_sets_per_category"`
	MaxAgeMonths       int `json:"max_age_months" yaml:"max_age_months"`
}

// PrintLimits prints the current allocation limits.
func (p *Printer) PrintLimits(v LimitsView) error {
	if p.structured() {
		return p.Print(v)
	}

	fmt.Fprintf(p.writer, "%s %d\n", p.Colorize(Bold, "Max sets per category:"), v.MaxSetsPerCategory)
	fmt.Fprintf(p.writer, "%s %d\n", p.Colorize(Bold, "Max age (months):"), v.MaxAgeMonths)
	return nil
}

// MergeRow is one category in a merge result.
type MergeRow struct {
	Category  string `json:"category" yaml:"category"`
	SetID     string `json:"set_id,omitempty" yaml:"set_id,omitempty"`
	ItemCount int    `json:"item_count" yaml:"item_count"`
	Status    string `json:"status" yaml:"status"`
}

// PrintMerge prints the per-category outcome of a merge call.
func (p *Printer) PrintMerge(userID string, rows []MergeRow, totalItems int) error {
	if p.structured() {
		return p.Print(struct {
			UserID     string     `json:"user_id" yaml:"user_id"`
			Categories []MergeRow `json:"categories" yaml:"categories"`
			TotalItems int        `json:"total_items" yaml:"total_items"`
		}{userID, rows, totalItems})
	}

	if len(rows) == 0 {
		fmt.Fprintf(p.writer, "No sets allocated to %s\n", userID)
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "CATEGORY\tSET ID\tITEMS\tSTATUS"))
	for _, row := range rows {
		status := row.Status
		if status == "merged" {
			status = p.Colorize(Green, status)
		} else {
			status = p.Colorize(Red, status)
		}
		setID := row.SetID
		if setID == "" {
			setID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			p.Colorize(Cyan, row.Category), setID, row.ItemCount, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(p.writer, "\n%s: %d items total\n", p.Colorize(Bold, userID), totalItems)
	return nil
}

// JobView is an async job's progress record as the API reports it.
type JobView struct {
	ID         string          `json:"id" yaml:"id"`
	Kind       string          `json:"kind" yaml:"kind"`
	State      string          `json:"state" yaml:"state"`
	Percent    int             `json:"percent" yaml:"percent"`
	Message    string          `json:"message,omitempty" yaml:"message,omitempty"`
	StartedAt  string          `json:"started_at" yaml:"started_at"`
	FinishedAt string          `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty" yaml:"result,omitempty"`
}

// PrintJob prints an async job record, pretty-printing its result payload.
func (p *Printer) PrintJob(v JobView) error {
	if p.structured() {
		return p.Print(v)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Job:"), p.Colorize(Cyan, v.ID))
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Kind:"), v.Kind)

	state := v.State
	switch state {
	case "succeeded":
		state = p.Colorize(Green, state)
	case "failed":
		state = p.Colorize(Red, state)
	default:
		state = p.Colorize(Yellow, state)
	}
	fmt.Fprintf(p.writer, "  %s %s (%d%%)\n", p.Colorize(Gray, "State:"), state, v.Percent)

	if v.Message != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Message:"), v.Message)
	}
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Started:"), v.StartedAt)
	if v.FinishedAt != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Finished:"), v.FinishedAt)
	}
	if v.Error != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Error:"), p.Colorize(Red, v.Error))
	}

	if len(v.Result) > 0 {
		fmt.Fprintf(p.writer, "  %s\n", p.Colorize(Gray, "Result:"))
		var pretty interface{}
		if err := json.Unmarshal(v.Result, &pretty); err == nil {
			formatted, _ := json.MarshalIndent(pretty, "  ", "  ")
			fmt.Fprintf(p.writer, "  %s\n", string(formatted))
		} else {
			fmt.Fprintf(p.writer, "  %s\n", string(v.Result))
		}
	}

	return nil
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
