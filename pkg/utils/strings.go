package utils

import (
	"strings"
)

// ContainsFold reports whether list holds v, ignoring case.
func ContainsFold(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}
