package proxy

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadList reads a proxy list file: one URL per line, blank lines and
// '#' comments ignored. Every entry gets tier and weight 1.
//
// A line may carry an inline tier after whitespace: "http://h:3128 premium".
func LoadList(path, tier string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(s, '#'); i >= 0 {
			s = strings.TrimSpace(s[:i])
		}
		if s == "" {
			continue
		}
		fields := strings.Fields(s)
		e := Entry{URL: fields[0], Tier: tier, Weight: 1}
		switch len(fields) {
		case 1:
		case 2:
			e.Tier = fields[1]
		default:
			return nil, fmt.Errorf("%s:%d: expected \"url [tier]\"", path, line)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}
