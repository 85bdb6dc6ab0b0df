package diagnostics

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNote    Severity = "note"
)

type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Raw      string   `json:"raw,omitempty"`
}

type Report struct {
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`
	NoteCount    int          `json:"note_count"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
}

// Failure kinds returned by InferFailure.
const (
	KindCompile    = "compile"
	KindManifest   = "manifest"
	KindPackage    = "package"
	KindDependency = "dependency"
	KindLinker     = "linker"
	KindInternal   = "internal"
)

var (
	headerRe   = regexp.MustCompile(`^(error|warning|note)(?:\[([A-Za-z]+[0-9]+)\])?: (.+)$`)
	locationRe = regexp.MustCompile(`^\s*--> (.+)$`)
)

// BuildReport parses cargo/rustc stderr. Continuation lines (source
// excerpts, help and "= note" children) are skipped; the first "-->"
// location after a header is attached to it. Cargo's trailing summary
// lines are not counted.
func BuildReport(stderr []byte) Report {
	report := Report{Diagnostics: make([]Diagnostic, 0)}
	seen := map[string]struct{}{}
	var pending *Diagnostic

	flush := func() {
		if pending == nil {
			return
		}
		d := *pending
		pending = nil
		key := diagnosticKey(d)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		report.Diagnostics = append(report.Diagnostics, d)
		switch d.Severity {
		case SeverityError:
			report.ErrorCount++
		case SeverityWarning:
			report.WarningCount++
		default:
			report.NoteCount++
		}
	}

	reader := bufio.NewReader(bytes.NewReader(stderr))
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			if !isCargoSummary(m[3]) {
				pending = &Diagnostic{
					Severity: Severity(m[1]),
					Code:     m[2],
					Message:  strings.TrimSpace(m[3]),
					Raw:      line,
				}
			}
		} else if pending != nil && pending.File == "" {
			if m := locationRe.FindStringSubmatch(line); m != nil {
				pending.File, pending.Line, pending.Column = parseLocation(strings.TrimSpace(m[1]))
			}
		}
		if err != nil {
			break
		}
	}
	flush()
	return report
}

// InferFailure classifies a failed build and returns a one-line summary.
func InferFailure(report Report, stderr string) (string, string) {
	if d, ok := firstError(report); ok {
		return classify(d), formatSummary(d)
	}
	msg := lastNonEmptyLine(stderr)
	if msg == "" {
		msg = "build failed"
	}
	return KindInternal, msg
}

func firstError(report Report) (Diagnostic, bool) {
	for _, d := range report.Diagnostics {
		if d.Severity == SeverityError {
			return d, true
		}
	}
	return Diagnostic{}, false
}

func classify(d Diagnostic) string {
	lower := strings.ToLower(d.Message)
	switch {
	case d.Code != "" || d.File != "":
		return KindCompile
	case strings.Contains(lower, "did not match any packages"):
		return KindPackage
	case strings.Contains(lower, "cargo.toml") || strings.Contains(lower, "failed to parse manifest"):
		return KindManifest
	case strings.Contains(lower, "--offline") || strings.Contains(lower, "failed to select a version") ||
		strings.Contains(lower, "no matching package") || strings.Contains(lower, "failed to get"):
		return KindDependency
	case strings.Contains(lower, "linking with") || strings.Contains(lower, "linker"):
		return KindLinker
	default:
		return KindInternal
	}
}

func formatSummary(d Diagnostic) string {
	where := ""
	switch {
	case d.File != "" && d.Line > 0 && d.Column > 0:
		where = fmt.Sprintf(" (%s:%d:%d)", d.File, d.Line, d.Column)
	case d.File != "" && d.Line > 0:
		where = fmt.Sprintf(" (%s:%d)", d.File, d.Line)
	case d.File != "":
		where = fmt.Sprintf(" (%s)", d.File)
	}
	if d.Code != "" {
		return fmt.Sprintf("[%s] %s%s", d.Code, d.Message, where)
	}
	return d.Message + where
}

func isCargoSummary(msg string) bool {
	switch {
	case strings.HasPrefix(msg, "could not compile `"):
		return true
	case strings.HasPrefix(msg, "aborting due to"):
		return true
	case strings.HasPrefix(msg, "build failed, waiting for other jobs"):
		return true
	case strings.HasPrefix(msg, "`") && strings.Contains(msg, " generated ") && strings.Contains(msg, "warning"):
		return true
	default:
		return false
	}
}

// parseLocation splits "path:line:col"; the path itself may contain colons.
func parseLocation(location string) (string, int, int) {
	parts := strings.Split(location, ":")
	if len(parts) < 2 {
		return location, 0, 0
	}
	last, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || last < 0 {
		return location, 0, 0
	}
	if len(parts) >= 3 {
		if ln, err := strconv.Atoi(parts[len(parts)-2]); err == nil && ln >= 0 {
			return strings.Join(parts[:len(parts)-2], ":"), ln, last
		}
	}
	return strings.Join(parts[:len(parts)-1], ":"), last, 0
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func diagnosticKey(d Diagnostic) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d", d.Severity, d.Code, d.Message, d.File, d.Line, d.Column)
}
