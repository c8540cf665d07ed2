// Package output provides functions to print messages with optional color formatting
package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/lock"
)

const (
	Plain   = color.FgWhite
	Success = color.FgGreen
	Warning = color.FgYellow
	Error   = color.FgRed
)

const timeFormat = "2006-01-02 15:04:05"

var maybeColorize func(kind color.Attribute, tmpl string, a ...any) string

// InitColors sets up color functions based on environment
func InitColors(isColorDisabled bool) {
	if color.NoColor || isColorDisabled {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return fmt.Sprintf(tmpl, a...)
		}
	} else {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return color.New(kind).SprintfFunc()(tmpl, a...)
		}
	}
}

// PrintMessage formats a message with color (if enabled)
func PrintMessage(kind color.Attribute, tmpl string, a ...any) string {
	if maybeColorize == nil || kind == Plain {
		return fmt.Sprintf(tmpl+"\n", a...)
	}
	return fmt.Sprintln(maybeColorize(kind, tmpl, a...))
}

func FprintPlain(cmd *cobra.Command, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), PrintMessage(Plain, tmpl, a...))
	return err
}

func FprintSuccess(cmd *cobra.Command, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), PrintMessage(Success, tmpl, a...))
	return err
}

func FprintWarning(cmd *cobra.Command, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.OutOrStdout(), PrintMessage(Warning, tmpl, a...))
	return err
}

// FprintError writes to the command's error stream.
func FprintError(cmd *cobra.Command, tmpl string, a ...any) error {
	_, err := fmt.Fprint(cmd.ErrOrStderr(), PrintMessage(Error, tmpl, a...))
	return err
}

func PrintTable(header []string, data [][]string) (string, error) {
	buf := strings.Builder{}

	table := tablewriter.NewTable(
		&buf,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.Off,
				},
				Separators: tw.Separators{
					BetweenColumns: tw.Off,
				},
			},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
		}))

	if len(header) > 0 {
		table.Header(header)
	}

	if err := table.Bulk(data); err != nil {
		return "", fmt.Errorf("bulk adding data to table: %w", err)
	}

	if err := table.Render(); err != nil {
		return "", fmt.Errorf("rendering table: %w", err)
	}

	return buf.String(), nil
}

func statusColor(s domain.Status) color.Attribute {
	switch s {
	case domain.StatusCommitted:
		return Success
	case domain.StatusRolledBack:
		return Warning
	default:
		return Error
	}
}

// PrintOutcomes renders one row per target followed by a summary line.
func PrintOutcomes(outcomes []domain.Outcome) (string, error) {
	header := []string{"Target", "Status", "Deployed", "Previous", "Rollback", "Duration", "Error"}
	var data [][]string
	committed := 0
	for _, o := range outcomes {
		if o.Committed() {
			committed++
		}
		rollback := "-"
		if o.RollbackPerformed {
			rollback = "yes"
		}
		data = append(data, []string{
			o.Target,
			strings.TrimSuffix(PrintMessage(statusColor(o.Status), "%s", o.Status), "\n"),
			o.Deployed.String(),
			o.Previous.String(),
			rollback,
			o.Duration.Round(time.Millisecond).String(),
			o.ErrorMessage(),
		})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing outcome table: %w", err)
	}

	kind := Success
	if committed != len(outcomes) {
		kind = Error
	}
	return table + PrintMessage(kind, "%d of %d target(s) committed", committed, len(outcomes)), nil
}

// PrintPlan lists the commands a dry run would issue per target.
func PrintPlan(outcomes []domain.Outcome) string {
	var b strings.Builder
	for _, o := range outcomes {
		b.WriteString(PrintMessage(Warning, "Plan for %s:", o.Target))
		for _, c := range o.Plan {
			b.WriteString("  " + c + "\n")
		}
	}
	return b.String()
}

func PrintHistory(records []*domain.DeploymentRecord) (string, error) {
	if len(records) == 0 {
		return PrintMessage(Plain, "No deployments found."), nil
	}

	header := []string{"Time", "App", "Target", "Status", "Image", "Trigger", "Error"}
	var data [][]string
	for _, r := range records {
		status := string(r.Outcome.Status)
		if r.DryRun {
			status += " (dry run)"
		}
		data = append(data, []string{
			r.CreatedAt.Local().Format(timeFormat),
			r.Outcome.App,
			r.Outcome.Target,
			status,
			r.Outcome.Deployed.String(),
			string(r.Trigger),
			r.Outcome.ErrorMessage(),
		})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing history table: %w", err)
	}
	return table, nil
}

func PrintContainers(rows []docker.Summary) (string, error) {
	if len(rows) == 0 {
		return PrintMessage(Plain, "No containers found."), nil
	}

	header := []string{"Name", "Image", "State", "Status", "Ports"}
	var data [][]string
	for _, r := range rows {
		data = append(data, []string{r.Names, r.Image, r.State, r.Status, r.Ports})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing container table: %w", err)
	}
	return table, nil
}

// PrintLockOwner describes who holds a deployment lock.
func PrintLockOwner(app string, owner *lock.Owner, held bool, now time.Time) (string, error) {
	if !held {
		return PrintMessage(Success, "Lock for %s is free", app), nil
	}
	if owner == nil {
		return PrintMessage(Warning, "Lock for %s is held, owner record missing", app), nil
	}

	state := "active"
	if owner.Expired(now) {
		state = "expired"
	}
	data := [][]string{
		{"Scope", owner.Scope},
		{"Holder", owner.Holder},
		{"Host", owner.Hostname},
		{"PID", strconv.Itoa(owner.PID)},
		{"Acquired At", owner.AcquiredAt.Local().Format(timeFormat)},
		{"TTL", owner.TTL().String()},
		{"State", state},
	}
	table, err := PrintTable(nil, data)
	if err != nil {
		return "", fmt.Errorf("printing lock table: %w", err)
	}
	return table, nil
}

// NoColor is a flag that can be used to disable colored output in the CLI.
var NoColor = &noColorFlag{set: false}

type noColorFlag struct {
	set bool
}

func (f *noColorFlag) Set(value string) error {
	f.set = true
	return nil
}

func (f *noColorFlag) String() string {
	if f.set {
		return "true"
	}
	return "false"
}

func (f *noColorFlag) Type() string {
	return "bool"
}

// IsSet returns true if the --no-color flag was explicitly set
func (f *noColorFlag) IsSet() bool {
	return f.set
}

// IsBoolFlag tells pflag this is a boolean flag (no argument required)
func (f *noColorFlag) IsBoolFlag() bool {
	return true
}
