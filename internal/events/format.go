package events

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	maxMessageLength  = 100
	maxReportLength   = 160
	truncateIndicator = "..."
)

// Format converts an event to a human-readable string for display.
// Returns empty string for nil or unknown event types.
func Format(event Event) string {
	if event == nil {
		return ""
	}

	switch e := event.(type) {
	case *TrainStartEvent:
		return formatTrainStart(e)
	case *TrainStopEvent:
		return formatTrainStop(e)
	case *TrainStateChangedEvent:
		return formatStateChanged(e)
	case *TrainLogEvent:
		return formatTrainLog(e)
	case *TrainValidationEvent:
		return formatValidation(e)
	case *TrainCheckpointEvent:
		return formatCheckpoint(e)
	case *TrainBestEvent:
		return formatBest(e)
	case *EvalCompleteEvent:
		return formatEvalComplete(e)
	case *ErrorEvent:
		return formatError(e)
	default:
		return ""
	}
}

// FormatWithTimestamp formats an event with a timestamp prefix.
func FormatWithTimestamp(event Event) string {
	if event == nil {
		return ""
	}
	ts := event.Timestamp().Format("15:04:05")
	detail := Format(event)
	if detail == "" {
		return fmt.Sprintf("[%s] %s", ts, event.Type())
	}
	return fmt.Sprintf("[%s] %s", ts, detail)
}

func formatTrainStart(e *TrainStartEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "training started: %s", SafeString(e.Task))
	if e.Workers > 1 {
		fmt.Fprintf(&b, " x%d workers", e.Workers)
	}
	if e.ResumedEpochs > 0 {
		fmt.Fprintf(&b, " (resumed at epoch %s)", FormatFloat(e.ResumedEpochs))
	}
	return b.String()
}

func formatTrainStop(e *TrainStopEvent) string {
	return fmt.Sprintf("training stopped: %s after %s epochs, %s",
		SafeString(e.Reason), FormatFloat(e.TotalEpochs), FormatSeconds(e.ElapsedSec))
}

func formatStateChanged(e *TrainStateChangedEvent) string {
	return fmt.Sprintf("state: %s -> %s", SafeString(e.From), SafeString(e.To))
}

func formatTrainLog(e *TrainLogEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "time:%s total_exs:%d epochs:%s",
		FormatSeconds(e.ElapsedSec), e.TotalExamples, FormatFloat(e.TotalEpochs))
	if e.ETASec != nil {
		fmt.Fprintf(&b, " time_left:%s", FormatSeconds(*e.ETASec))
	}
	if len(e.Report) > 0 {
		b.WriteString(" ")
		b.WriteString(Truncate(FormatValues(e.Report), maxReportLength))
	}
	return b.String()
}

func formatValidation(e *TrainValidationEvent) string {
	if e.Improved {
		return fmt.Sprintf("[+] valid %s:%s (new best) epochs:%s",
			SafeString(e.Metric), FormatFloat(e.Value), FormatFloat(e.TotalEpochs))
	}
	return fmt.Sprintf("[-] valid %s:%s best:%s impatience:%d",
		SafeString(e.Metric), FormatFloat(e.Value), FormatFloat(e.Best), e.Impatience)
}

func formatCheckpoint(e *TrainCheckpointEvent) string {
	return fmt.Sprintf("checkpoint saved: %s", SafeString(e.Path))
}

func formatBest(e *TrainBestEvent) string {
	if e.Previous != nil {
		return fmt.Sprintf("new best %s: %s (was %s)", SafeString(e.Metric), FormatFloat(e.Value), FormatFloat(*e.Previous))
	}
	return fmt.Sprintf("new best %s: %s", SafeString(e.Metric), FormatFloat(e.Value))
}

func formatEvalComplete(e *EvalCompleteEvent) string {
	return fmt.Sprintf("%s:%s", SafeString(e.Datatype), Truncate(FormatValues(e.Report), maxReportLength))
}

func formatError(e *ErrorEvent) string {
	msg := SafeString(e.Message)
	severity := SafeString(e.Severity)
	if severity == "" {
		severity = "error"
	}
	return fmt.Sprintf("%s: %s", strings.ToUpper(severity), Truncate(msg, maxMessageLength))
}

// FormatValues renders a values-only report as sorted key:value pairs with
// "exs" first.
func FormatValues(values map[string]any) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "exs" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := values["exs"]; ok {
		keys = append([]string{"exs"}, keys...)
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch x := values[k].(type) {
		case float64:
			v = FormatFloat(x)
		case string:
			v = SafeString(x)
		default:
			v = fmt.Sprint(x)
		}
		parts = append(parts, k+":"+v)
	}
	return strings.Join(parts, " ")
}

// FormatFloat renders v with up to four significant digits, or as an integer
// when it has no fractional part.
func FormatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.4g", v)
}

// FormatSeconds renders a second count as a rounded duration, e.g. "1m30s".
func FormatSeconds(sec float64) string {
	if math.IsInf(sec, 0) || math.IsNaN(sec) {
		return "-"
	}
	return time.Duration(sec * float64(time.Second)).Round(time.Second).String()
}

// Truncate shortens text to maxLen, adding indicator if truncated.
func Truncate(s string, maxLen int) string {
	s = SafeString(s)
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= len(truncateIndicator) {
		return truncateIndicator
	}
	return s[:maxLen-len(truncateIndicator)] + truncateIndicator
}

// ansiRegex matches ANSI escape sequences.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from a string.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// SafeString sanitizes a string for display by removing control characters
// and limiting newlines.
func SafeString(s string) string {
	s = StripANSI(s)

	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == ' ' || !unicode.IsControl(r) {
			sb.WriteRune(r)
		}
	}

	result := sb.String()
	for strings.Contains(result, "  ") {
		result = strings.ReplaceAll(result, "  ", " ")
	}

	return strings.TrimSpace(result)
}
