// Package engine runs supervised encoder processes: progress parsing,
// stall detection, termination escalation, output validation, and the
// retry/fallback pipeline around a single job.
package engine

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"time"
)

// Progress is one sample parsed from the encoder's status line.
type Progress struct {
	Percent    float64       `json:"percent"`
	Frame      int64         `json:"frame"`
	FPS        float64       `json:"fps"`
	SourceTime time.Duration `json:"source_time"`
	Speed      float64       `json:"speed"`
	Size       int64         `json:"size"` // kB written so far
	ETASeconds int           `json:"eta_seconds"`
}

var (
	frameRe = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe   = regexp.MustCompile(`fps=\s*([\d.]+)`)
	timeRe  = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)
	speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	sizeRe  = regexp.MustCompile(`size=\s*(\d+)`)
)

// isProgressLine reports whether a stderr line carries a status update.
func isProgressLine(line string) bool {
	return frameRe.MatchString(line) || sizeRe.MatchString(line)
}

// parseProgress extracts a sample from a status line. duration is the
// probed source duration; percent is capped below 100 so only a validated
// completion ever reports 100.
func parseProgress(line string, duration float64) Progress {
	p := Progress{}

	if m := frameRe.FindStringSubmatch(line); len(m) > 1 {
		p.Frame, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := fpsRe.FindStringSubmatch(line); len(m) > 1 {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := sizeRe.FindStringSubmatch(line); len(m) > 1 {
		p.Size, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := speedRe.FindStringSubmatch(line); len(m) > 1 {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := timeRe.FindStringSubmatch(line); len(m) > 4 {
		hours, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		secs, _ := strconv.Atoi(m[3])
		centis, _ := strconv.Atoi(m[4])
		p.SourceTime = time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute +
			time.Duration(secs)*time.Second +
			time.Duration(centis)*10*time.Millisecond
	}

	if duration > 0 && p.SourceTime > 0 {
		p.Percent = p.SourceTime.Seconds() / duration * 100
		if p.Percent > 99.9 {
			p.Percent = 99.9
		}
		if p.Speed > 0 {
			remaining := duration - p.SourceTime.Seconds()
			if remaining > 0 {
				p.ETASeconds = int(remaining / p.Speed)
			}
		}
	}

	return p
}

// scanLinesWithCR is a bufio.SplitFunc that treats both \n and \r as line
// terminators. The encoder rewrites its status line with bare carriage
// returns, which bufio.ScanLines would buffer until exit.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, dropCR(data[:i]), nil
	}
	if atEOF {
		return len(data), dropCR(data), nil
	}
	return 0, nil, nil
}

func dropCR(data []byte) []byte {
	return bytes.TrimSuffix(data, []byte{'\r'})
}

// newStderrScanner returns a scanner over encoder stderr using the CR-aware
// splitter and a generous buffer for long filter graph dumps.
func newStderrScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	scanner.Split(scanLinesWithCR)
	return scanner
}
