package main

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/nixpig/procpool/internal/jobmanager"
)

// failedOutputLines is how much of a failed chunk's output is shown.
const failedOutputLines = 10

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
)

func statusColor(s jobmanager.ChunkStatus) *color.Color {
	switch s {
	case jobmanager.ChunkSucceeded:
		return green
	case jobmanager.ChunkFailed:
		return red
	default:
		return yellow
	}
}

// renderReport writes a table with one row per chunk followed by a summary.
// With showOutput, the tail of each failed chunk's output is included.
func renderReport(w io.Writer, result *jobmanager.RunResult, showOutput bool) error {
	table := tablewriter.NewWriter(w)
	table.Header("Chunk", "PID", "Jobs", "Status", "Exit", "Signal", "Attempts", "Duration")

	for _, o := range result.Outcomes {
		pid := "-"
		if o.Pid > 0 {
			pid = strconv.Itoa(o.Pid)
		}

		exit := "-"
		if o.ExitCode >= 0 {
			exit = strconv.Itoa(o.ExitCode)
		}

		signal := "-"
		if o.Signal != nil {
			signal = o.Signal.String()
		}

		if err := table.Append(
			strconv.Itoa(o.Index),
			pid,
			strconv.Itoa(len(o.JobIDs)),
			statusColor(o.Status).Sprint(o.Status),
			exit,
			signal,
			strconv.Itoa(o.Attempts),
			o.Duration.Round(time.Millisecond).String(),
		); err != nil {
			return err
		}
	}

	if err := table.Render(); err != nil {
		return err
	}

	failed := result.Failed()

	if len(failed) == 0 {
		green.Fprintf(w, "%d jobs in %d chunks succeeded\n", result.Jobs(), len(result.Outcomes))
		return nil
	}

	red.Fprintf(
		w,
		"%d of %d chunks did not succeed\n",
		len(failed),
		len(result.Outcomes),
	)

	if !showOutput {
		return nil
	}

	for _, o := range failed {
		if len(o.Output) == 0 {
			continue
		}

		bold.Fprintf(w, "\nchunk %d output:\n", o.Index)
		fmt.Fprintf(w, "%s", tail(o.Output, failedOutputLines))
	}

	return nil
}

// tail returns the last n lines of b, always newline terminated.
func tail(b []byte, n int) []byte {
	b = bytes.TrimRight(b, "\n")

	i := len(b)
	for range n {
		j := bytes.LastIndexByte(b[:i], '\n')
		if j < 0 {
			i = 0
			break
		}

		i = j
	}

	out := bytes.TrimLeft(b[i:], "\n")

	return append(out[:len(out):len(out)], '\n')
}
