package scan

import "strings"

// Log markers emitted by the scanner. A line must carry InfoMarker for either
// of the other two to count.
const (
	InfoMarker      = "[INF]"
	MatchMarker     = "matched"
	NoResultsMarker = "No results found. Better luck next time!"
)

// Inspection summarizes a scan's output.
type Inspection struct {
	Matched   bool
	MatchLine string
	// NoResults is informational only and never decides the outcome.
	NoResults bool
}

// Inspect scans output line by line. It stops at the first positive match;
// a "no results" line seen before that is still reported.
func Inspect(lines []string) Inspection {
	var in Inspection
	for _, line := range lines {
		if !strings.Contains(line, InfoMarker) {
			continue
		}
		if strings.Contains(line, MatchMarker) {
			in.Matched = true
			in.MatchLine = line
			break
		}
		if strings.Contains(line, NoResultsMarker) {
			in.NoResults = true
		}
	}
	return in
}
