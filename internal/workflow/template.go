package workflow

import (
	"regexp"
	"strconv"
	"strings"
)

var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderTemplate expands {{ args.path.to.value }} references against run
// args using dotted-path resolution; unresolvable paths become empty
// strings (spec §4.3). Exported so collaborators outside this package (the
// agent loop rendering a step's instruction) can use the same substitution
// rules the engine applies to path/content/prompt fields.
func RenderTemplate(text string, args map[string]any) string {
	return renderTemplate(text, args)
}

func renderTemplate(text string, args map[string]any) string {
	return templateVar.ReplaceAllStringFunc(text, func(match string) string {
		path := templateVar.FindStringSubmatch(match)[1]
		segments := strings.Split(path, ".")
		if len(segments) == 0 || segments[0] != "args" {
			return ""
		}
		v, ok := lookupPath(args, segments[1:])
		if !ok {
			return ""
		}
		return stringifyValue(v)
	})
}

func lookupPath(root map[string]any, segments []string) (any, bool) {
	var cur any = root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
