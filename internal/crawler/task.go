// Package crawler runs the three-stage harvest pipeline: cities, listings
// and details. Nodes pull URL tasks from the shared queue service, fetch
// and extract records, and hand derived URLs to the next stage.
package crawler

import (
	"strconv"
	"strings"
)

// Queue tasks are URL strings; a blocked requeue appends the attempt
// counter after a tab, which cannot occur inside a URL.
const taskSep = "\t"

// EncodeTask serializes a URL task with its attempt counter.
func EncodeTask(url string, attempt int) string {
	if attempt <= 0 {
		return url
	}
	return url + taskSep + strconv.Itoa(attempt)
}

// DecodeTask splits a queue element back into URL and attempt counter.
func DecodeTask(task string) (string, int) {
	url, raw, found := strings.Cut(task, taskSep)
	if !found {
		return task, 0
	}
	attempt, err := strconv.Atoi(raw)
	if err != nil || attempt < 0 {
		return url, 0
	}
	return url, attempt
}
