package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/vouch/internal/storage"
	"github.com/yairfalse/vouch/pkg/compliance"
)

var (
	passColor = color.New(color.FgGreen, color.Bold).SprintFunc()
	failColor = color.New(color.FgRed, color.Bold).SprintFunc()
	headColor = color.New(color.FgCyan, color.Bold).SprintFunc()
)

// reportRow is one line item flattened for table output.
type reportRow struct {
	ID       string
	Name     string
	Breached []string
}

func validateFormat(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
}

func rowsOf[T any](r compliance.Report[T], describe func(T) (string, string)) []reportRow {
	rows := make([]reportRow, 0, len(r.LineItems))
	for _, li := range r.LineItems {
		id, name := describe(li.Item)
		row := reportRow{ID: id, Name: name}
		for _, rule := range li.Breached {
			row.Breached = append(row.Breached, rule.Name)
		}
		rows = append(rows, row)
	}
	return rows
}

func projectRows(r compliance.Report[compliance.ProjectItem]) []reportRow {
	return rowsOf(r, func(p compliance.ProjectItem) (string, string) { return p.ID, p.Name })
}

func tableRows(r compliance.Report[compliance.TableItem]) []reportRow {
	return rowsOf(r, func(t compliance.TableItem) (string, string) {
		return t.ProjectID, t.SchemaName + "." + t.TableName
	})
}

func userRows(r compliance.Report[compliance.UserItem]) []reportRow {
	return rowsOf(r, func(u compliance.UserItem) (string, string) { return u.UserID, u.Email })
}

func renderReport(w io.Writer, format string, kind compliance.Kind, report any, rows []reportRow, passing bool) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		return writeYAML(w, report)
	}

	status := passColor("PASSING")
	if !passing {
		status = failColor("FAILING")
	}
	fmt.Fprintf(w, "%s %s\n", headColor(strings.ToUpper(string(kind))+"S"), status)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tBREACHED")
	for _, row := range rows {
		state := passColor("ok")
		if len(row.Breached) > 0 {
			state = failColor("breach")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.ID, row.Name, state, strings.Join(row.Breached, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func renderLogs(w io.Writer, format string, logs []storage.ComplianceLog) error {
	if logs == nil {
		logs = []storage.ComplianceLog{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(logs)
	case "yaml":
		return writeYAML(w, logs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tRESOURCE\tDESCRIPTION")
	for _, l := range logs {
		desc := l.Description
		switch {
		case strings.Contains(desc, " failed "):
			desc = failColor(desc)
		case strings.Contains(desc, " passed "), strings.HasPrefix(desc, "Enabled "):
			desc = passColor(desc)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.CreatedAt.Format(time.RFC3339), l.Resource, desc)
	}
	return tw.Flush()
}

// writeYAML renders v with its JSON field names by round-tripping through
// a yaml node tree.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("convert to yaml: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
