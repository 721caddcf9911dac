package param

import (
	"net/http"
	"regexp"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// when requesting a param, also validate it against a regexp to ensure it is what we expect
var numRegexp = regexp.MustCompile(`^[\d]+$`)
var paramRegexp = map[string]*regexp.Regexp{
	"limit": numRegexp,
}

// SafeRead returns the value of a query parameter only if it matches the given regexp.
// this should be used to validate query parameters that are not otherwise validated.
func SafeRead(req *http.Request, name string) string {
	re, ok := paramRegexp[name]
	if !ok {
		log.Fatalf("code BUG: request for unknown param %s", name) // revive:disable-line:deep-exit
	}
	value := req.URL.Query().Get(name)
	if value == "" || re.MatchString(value) {
		return value
	}
	log.Warnf("invalid value for %s param: %q", name, value)
	return ""
}

// ReadInt returns a numeric query parameter clamped to [1, max], or def when it
// is absent or invalid.
func ReadInt(req *http.Request, name string, def, max int) int {
	value := SafeRead(req, name)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
