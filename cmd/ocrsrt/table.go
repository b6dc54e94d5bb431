package main

import (
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"ocrsrt/internal/diag"
	"ocrsrt/pkg/contract"
	"ocrsrt/plugins/assembler/srt"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	cc := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		cc = append(cc, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(cc)
	return tw.Render()
}

// renderCues: 序号从 1 起，与 SRT 一致；多行文本以 " / " 连接。
func renderCues(cues []contract.Cue) string {
	rows := make([][]string, 0, len(cues))
	for i, c := range cues {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			srt.Timestamp(c.Start),
			srt.Timestamp(c.End),
			strings.ReplaceAll(c.Text, "\n", " / "),
		})
	}
	return renderTable([]string{"#", "START", "END", "TEXT"}, rows, []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft})
}

func renderMetrics(ms []diag.Metric) string {
	rows := make([][]string, 0, len(ms))
	for _, m := range ms {
		sum, peak := "", ""
		if strings.HasPrefix(m.Name, "op_duration_ms") {
			sum = strconv.FormatInt(m.SumMS, 10)
			peak = strconv.FormatInt(m.MaxMS, 10)
		}
		rows = append(rows, []string{m.Name, strconv.FormatInt(m.Count, 10), sum, peak})
	}
	return renderTable([]string{"METRIC", "COUNT", "SUM_MS", "MAX_MS"}, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignRight})
}
