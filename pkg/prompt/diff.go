package prompt

import (
	"bytes"
	"fmt"
	"strings"
)

// labeledDiff returns a line diff of a against b under the given headers,
// or "" when they are equal.
func labeledDiff(from, to, a, b string) string {
	if a == b {
		return ""
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--- %s\n+++ %s\n", from, to)
	al := strings.Split(a, "\n")
	bl := strings.Split(b, "\n")
	i, j := 0, 0
	for i < len(al) || j < len(bl) {
		if i < len(al) && j < len(bl) && al[i] == bl[j] {
			i++
			j++
			continue
		}
		if i < len(al) {
			fmt.Fprintf(&buf, "-%s\n", al[i])
			i++
		}
		if j < len(bl) {
			fmt.Fprintf(&buf, "+%s\n", bl[j])
			j++
		}
	}
	return buf.String()
}

// Diff returns the diff between two versions of name, labelled name@vN, or ""
// if either version is missing.
func (s *Store) Diff(name string, v1, v2 int) string {
	p1, ok1 := s.Get(name, v1)
	p2, ok2 := s.Get(name, v2)
	if !ok1 || !ok2 {
		return ""
	}
	return labeledDiff(fmt.Sprintf("%s@v%d", name, v1), fmt.Sprintf("%s@v%d", name, v2), p1.Body, p2.Body)
}
