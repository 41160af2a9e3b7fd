package conversation

import (
	"regexp"
	"strconv"
)

var propertyRefRe = regexp.MustCompile(`/properties/(\d+)`)

// ExtractPropertyID returns the first /properties/<id> reference in content.
func ExtractPropertyID(content string) (int64, bool) {
	match := propertyRefRe.FindStringSubmatch(content)
	if len(match) < 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
