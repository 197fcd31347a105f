package logging

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

type timeLog struct {
	Time       time.Time
	Interval   time.Duration
	Cumulative time.Duration
	Operation  string
}

var (
	timing    []timeLog
	timingMut sync.Mutex
)

func shouldProfile() bool {
	return strings.ToUpper(os.Getenv(EnvProfile)) == "TRUE"
}

// LogTime records the time of a named operation, when profiling is enabled
// the send and receive loops both call this so access is serialised
func LogTime(operation string) {
	if !shouldProfile() {
		return
	}
	timingMut.Lock()
	defer timingMut.Unlock()

	lastTimelogIdx := len(timing) - 1
	var elapsed time.Duration
	var cumulative time.Duration
	if lastTimelogIdx >= 0 {
		cumulative = time.Since(timing[0].Time)
		elapsed = time.Since(timing[lastTimelogIdx].Time)
	}
	timing = append(timing, timeLog{time.Now(), elapsed, cumulative, operation})
}

func ClearProfileData() {
	timingMut.Lock()
	timing = []timeLog{}
	timingMut.Unlock()
}

// DisplayProfileData logs the recorded operation timings as a table
// intervals shorter than minTime are collapsed to "< minTime"
func DisplayProfileData(minTime time.Duration) {
	if !shouldProfile() {
		return
	}
	timingMut.Lock()
	entries := make([]timeLog, len(timing))
	copy(entries, timing)
	timingMut.Unlock()

	minString := fmt.Sprintf("< %s", minTime.String())
	var data [][]string
	for _, logEntry := range entries {
		intervalStr := logEntry.Interval.String()
		if logEntry.Interval < minTime {
			intervalStr = minString
		}
		cumulativeStr := logEntry.Cumulative.String()
		if logEntry.Cumulative < minTime {
			cumulativeStr = minString
		}
		data = append(data, []string{
			logEntry.Operation,
			logEntry.Time.Format(time.StampMilli),
			intervalStr,
			cumulativeStr,
		})
	}

	var b bytes.Buffer
	writer := bufio.NewWriter(&b)
	displayTable(writer, data)
	_ = writer.Flush()

	// log line by line so each row gets its own level prefix
	for _, line := range strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n") {
		log.Printf("[WARN] %s", line)
	}

	ClearProfileData()
}

func displayTable(out io.Writer, data [][]string) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Operation", "Time", "Elapsed", "Cumulative"})
	table.SetBorder(true)
	table.SetColWidth(50)
	table.AppendBulk(data)
	table.SetAutoWrapText(false)
	table.Render()
}
