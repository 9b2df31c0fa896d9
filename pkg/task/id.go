package task

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatID builds the task identifier for the n-th task of an application.
func FormatID(acronym string, n int) string {
	return acronym + "_" + strconv.Itoa(n)
}

// ParseID splits a task identifier into its application acronym and running
// number. Acronyms may themselves contain underscores; the number is always
// the last segment.
func ParseID(id string) (acronym string, n int, err error) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed task id %q", id)
	}
	n, err = strconv.Atoi(id[i+1:])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("malformed task id %q", id)
	}
	return id[:i], n, nil
}
