package models

import "regexp"

var hourRe = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// ValidHour reports whether s is a 24-hour HH:MM time of day.
func ValidHour(s string) bool {
	return hourRe.MatchString(s)
}
