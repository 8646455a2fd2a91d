package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
	"github.com/jakekausler/campaign-manager-sub003/internal/expr"
	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

func newTable(title string) table.Writer {
	tw := table.NewWriter()
	tw.SetTitle("%s", title)
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw
}

// renderResults lists the batch in evaluation order.
func renderResults(resp *rulesv1.EvaluateConditionsResponse) string {
	tw := newTable("EVALUATION RESULTS")
	tw.AppendHeader(table.Row{"#", "Condition", "Outcome", "Value", "Cached", "Time (ms)", "Error"})

	passed, failed, errored := 0, 0, 0
	for i, id := range resp.EvaluationOrder {
		r, ok := resp.Results[id]
		if !ok {
			continue
		}
		outcome := outcomeOf(r)
		switch outcome {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		default:
			errored++
		}
		errText := r.Error
		if r.ErrorCode != "" {
			errText = r.ErrorCode + ": " + r.Error
		}
		tw.AppendRow(table.Row{
			i + 1,
			id,
			outcome,
			formatValue(r.Value),
			yesOrBlank(r.Cached),
			fmt.Sprintf("%.3f", r.EvaluationTimeMs),
			errText,
		})
	}

	footer := fmt.Sprintf("%s evaluated in %.3f ms: %d passed, %d failed, %d errors",
		plural(len(resp.Results), "condition"), resp.TotalTimeMs, passed, failed, errored)
	if resp.Degraded {
		footer += " (dependency order unavailable, request order used)"
	}
	tw.SetCaption("%s", footer)
	return tw.Render()
}

// renderTrace lists the recorded steps of one traced evaluation.
func renderTrace(r rulesv1.EvaluationResult) string {
	tw := newTable(fmt.Sprintf("TRACE %s: %s", r.ConditionID, outcomeOf(r)))
	tw.AppendHeader(table.Row{"Step", "Operation", "Inputs", "Output", "Description"})
	for i, step := range r.Trace {
		inputs := make([]string, len(step.Inputs))
		for j, in := range step.Inputs {
			inputs[j] = formatValue(in)
		}
		tw.AppendRow(table.Row{
			i + 1,
			step.Operation,
			strings.Join(inputs, ", "),
			formatValue(step.Output),
			step.Description,
		})
	}
	if r.Error != "" {
		tw.SetCaption("%s: %s", r.ErrorCode, r.Error)
	}
	return tw.Render()
}

// renderGraph prints the scope's dependency order, or its cycles when it
// has any.
func renderGraph(s scope.Scope, order []string, cycles [][]string) string {
	tw := newTable(fmt.Sprintf("DEPENDENCY ORDER %s", s))
	tw.AppendHeader(table.Row{"#", "Node"})
	for i, id := range order {
		tw.AppendRow(table.Row{i + 1, id})
	}

	if len(cycles) == 0 {
		tw.SetCaption("%s, no cycles", plural(len(order), "node"))
		return tw.Render()
	}
	lines := make([]string, len(cycles))
	for i, c := range cycles {
		lines[i] = strings.Join(c, " -> ")
	}
	tw.SetCaption("no order, %s:\n%s", plural(len(cycles), "cycle"), strings.Join(lines, "\n"))
	return tw.Render()
}

func outcomeOf(r rulesv1.EvaluationResult) string {
	switch {
	case !r.Success:
		return "ERROR"
	case expr.Truthy(r.Value):
		return "PASS"
	default:
		return "FAIL"
	}
}

func formatValue(v any) string {
	if expr.IsUndefined(v) {
		return "undefined"
	}
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", t)
	case float64:
		return humanize.Ftoa(t)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func yesOrBlank(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
