package delivery

import (
	"regexp"
	"strconv"
)

var placeholder = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)

// RenderPositional replaces {{1}}..{{n}} with vars[0]..vars[n-1]. Unbound
// placeholders render empty.
func RenderPositional(body string, vars []string) string {
	return placeholder.ReplaceAllStringFunc(body, func(m string) string {
		n, err := strconv.Atoi(placeholder.FindStringSubmatch(m)[1])
		if err != nil || n < 1 || n > len(vars) {
			return ""
		}
		return vars[n-1]
	})
}
