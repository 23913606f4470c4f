package agent

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

// Confidence scores in [0,1].
const (
	ConfidenceNone     = 0.0
	ConfidenceSPAShell = 0.3
	ConfidenceScripted = 0.5
	ConfidenceFull     = 0.95
	ConfidenceRendered = 0.9
)

const scriptHeavyPercent = 25

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// Score estimates how much of a page's content a plain HTTP fetch captured.
// Pages that look like client-rendered shells score low.
func Score(statusCode int, body []byte) float64 {
	if statusCode < 200 || statusCode > 299 || len(bytes.TrimSpace(body)) == 0 {
		return ConfidenceNone
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return ConfidenceSPAShell
		}
	}
	if ScriptCoverage(body) >= scriptHeavyPercent {
		return ConfidenceScripted
	}
	return ConfidenceFull
}

// ScriptCoverage returns the share of body, in percent, spent inside
// <script> elements. Unterminated tags count to the end of the document.
func ScriptCoverage(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			next = contentStart + relEnd + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return strconv.Itoa(code) + " " + text
	}
	return strconv.Itoa(code)
}
