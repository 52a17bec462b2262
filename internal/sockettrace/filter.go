package sockettrace

import (
	"strings"

	"github.com/golang/glog"
)

type headerMatch struct {
	name   string
	substr string
}

// HeaderFilter selects HTTP responses by substring matches against their
// headers. A response is selected if it matches any inclusion (an empty
// inclusion set means no include constraint) and matches no exclusion.
// Matching is case-sensitive on both name and value; names are expected
// in HTTP/1 canonical form.
type HeaderFilter struct {
	Inclusions []headerMatch
	Exclusions []headerMatch
}

// ParseHeaderFilters parses the comma-separated filter DSL, e.g.
// "Content-Type:json,-Content-Type:text". Entries prefixed with '-' are
// exclusions. Malformed entries are skipped with a warning.
func ParseHeaderFilters(s string) HeaderFilter {
	var f HeaderFilter
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		exclude := strings.HasPrefix(entry, "-")
		if exclude {
			entry = entry[1:]
		}
		name, substr, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			glog.Warningf("skipping malformed header filter entry: %q", entry)
			continue
		}
		m := headerMatch{name: name, substr: substr}
		if exclude {
			f.Exclusions = append(f.Exclusions, m)
		} else {
			f.Inclusions = append(f.Inclusions, m)
		}
	}
	return f
}

// Matches reports whether the header multimap passes the filter.
func (f HeaderFilter) Matches(headers map[string][]string) bool {
	for _, m := range f.Exclusions {
		if matchesOne(headers, m) {
			return false
		}
	}
	if len(f.Inclusions) == 0 {
		return true
	}
	for _, m := range f.Inclusions {
		if matchesOne(headers, m) {
			return true
		}
	}
	return false
}

func matchesOne(headers map[string][]string, m headerMatch) bool {
	for _, v := range headers[m.name] {
		if strings.Contains(v, m.substr) {
			return true
		}
	}
	return false
}
