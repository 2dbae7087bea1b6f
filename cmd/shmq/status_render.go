package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"shmq/internal/ipc"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := "[" + statusKindLabel(kind) + "]"
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// daemonLines summarizes process and endpoint state.
func daemonLines(status *ipc.StatusResponse, now time.Time, colorize bool) []string {
	lines := make([]string, 0, 6)
	if status.Running {
		detail := "Running"
		if !status.StartedAt.IsZero() {
			detail = fmt.Sprintf("Running since %s", humanize.RelTime(status.StartedAt, now, "ago", "from now"))
		}
		lines = append(lines, renderStatusLine("Daemon", statusOK, detail, colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusWarn, "Queue stopped (run `shmq start`)", colorize))
	}
	if status.PID > 0 {
		lines = append(lines, renderStatusLine("PID", statusInfo, fmt.Sprintf("%d", status.PID), colorize))
	}
	if status.Address != "" {
		lines = append(lines, renderStatusLine("Rendezvous", statusInfo, status.Address, colorize))
	}
	if status.LockPath != "" {
		lines = append(lines, renderStatusLine("Lock", statusInfo, status.LockPath, colorize))
	}
	if status.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, status.LastError, colorize))
	}
	return lines
}

func queueLines(status *ipc.StatusResponse, colorize bool) []string {
	q := status.Queue
	state := statusOK
	detail := "Initialized"
	switch {
	case q.Closed:
		state, detail = statusWarn, "Closed"
	case !q.Initialized:
		state, detail = statusWarn, "Not initialized"
	}
	return []string{
		renderStatusLine("State", state, detail, colorize),
		renderStatusLine("Release policy", statusInfo, q.ReleasePolicy, colorize),
		renderStatusLine("Channels", statusInfo, humanize.Comma(int64(q.Channels)), colorize),
		renderStatusLine("Segments", statusInfo,
			fmt.Sprintf("%s (%s mapped or pending)", humanize.Comma(int64(q.Segments)), humanize.IBytes(q.SegmentBytes)), colorize),
	}
}

func trafficRows(totals ipc.QueueTotals) [][]string {
	return [][]string{
		{"Handshakes", humanize.Comma(int64(totals.Handshakes))},
		{"Rejected handshakes", humanize.Comma(int64(totals.Rejected))},
		{"Requests", humanize.Comma(int64(totals.Requests))},
		{"Failed requests", humanize.Comma(int64(totals.Failures))},
		{"Dropped messages", humanize.Comma(int64(totals.Dropped))},
		{"Channels closed", humanize.Comma(int64(totals.ChannelsClosed))},
	}
}

func textureRows(textures []ipc.Texture) [][]string {
	rows := make([][]string, 0, len(textures))
	for _, tex := range textures {
		rows = append(rows, []string{
			fmt.Sprintf("%d", tex.ID),
			fmt.Sprintf("%dx%d", tex.Width, tex.Height),
			tex.Format,
			fmt.Sprintf("%d", tex.Levels),
			writtenSummary(tex.Written),
		})
	}
	return rows
}

func writtenSummary(written []bool) string {
	if len(written) == 0 {
		return "-"
	}
	var b strings.Builder
	for _, ok := range written {
		if ok {
			b.WriteByte('#')
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

func metricRows(samples []ipc.MetricSample) [][]string {
	rows := make([][]string, 0, len(samples))
	for _, sample := range samples {
		rows = append(rows, []string{sample.Name, formatLabels(sample.Labels), humanize.Ftoa(sample.Value)})
	}
	return rows
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	slices.Sort(parts)
	return strings.Join(parts, ",")
}
