package knowledge

import (
	"sort"
	"strings"
)

// Fingerprint derives a stable context key from the issue and opportunity
// types observed when a decision is considered. Order of the inputs does not
// matter; two assessments seeing the same types produce the same key.
func Fingerprint(issues, opportunities []string) string {
	return joinSorted(issues) + "|" + joinSorted(opportunities)
}

func joinSorted(values []string) string {
	if len(values) == 0 {
		return ""
	}
	sorted := append([]string{}, values...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
