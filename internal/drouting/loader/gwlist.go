package loader

import (
	"fmt"
	"strconv"
	"strings"
)

// parseGroups parses a comma separated list of caller group ids.
func parseGroups(s string) ([]int, error) {
	var groups []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		g, err := strconv.Atoi(f)
		if err != nil || g < 0 {
			return nil, fmt.Errorf("invalid group id %q", f)
		}
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no group id")
	}
	return groups, nil
}

// expandLists substitutes every "#id" item with the text of gateway list id.
// Lists may not reference other lists.
func expandLists(s string, lists map[int]string) (string, error) {
	if !strings.Contains(s, "#") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '#' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i + 1
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		id, err := strconv.Atoi(s[i+1 : j])
		if err != nil {
			return "", fmt.Errorf("invalid list reference %q", s[i:j])
		}
		list, ok := lists[id]
		if !ok {
			return "", fmt.Errorf("unknown gateway list #%d", id)
		}
		if strings.Contains(list, "#") {
			return "", fmt.Errorf("gateway list #%d references another list", id)
		}
		b.WriteString(list)
		i = j
	}
	return b.String(), nil
}

// parseGwList parses "1,2;3" into runs of gateway ids. Runs are separated by
// ';' and ids within a run by ','. Empty runs are ignored.
func parseGwList(s string, lists map[int]string) ([][]int, error) {
	s, err := expandLists(s, lists)
	if err != nil {
		return nil, err
	}
	var runs [][]int
	for _, r := range strings.Split(s, ";") {
		var run []int
		for _, f := range strings.Split(r, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("invalid gateway id %q", f)
			}
			run = append(run, id)
		}
		if len(run) > 0 {
			runs = append(runs, run)
		}
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("empty gateway list")
	}
	return runs, nil
}
