/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package e2ereport runs this repository's compiled integration-test
// binary and turns its Ginkgo output into a structured Report, for a
// CI job to upload or post however it sees fit.
package e2ereport

import (
	"fmt"
	"io"
	"os/exec"
	"regexp"
)

var (
	failureBegin = regexp.MustCompile(`^•! (Failure|Panic) in (Spec|Suite) (Setup|Teardown) \((Just)?(Before|After)(Suite|Each)\) \[\d*(\.\d*)? seconds]$`)
	failureEnd   = regexp.MustCompile(`^------------------------------$`)
	resultBegin  = regexp.MustCompile(`^(SUCCESS|FAIL)! -- \d* Passed \| \d* Failed \| \d* Pending \| \d* Skipped$`)
)

// RunSuite executes binary (the compiled integration-test suite for
// the switch-manager/flow round-trip path) and tees its output to
// logWriter while scraping the Ginkgo result line and any failure
// blocks out of the stream.
func RunSuite(binary string, args []string, logWriter io.Writer) (message string, failures []string, pass bool) {
	fmt.Fprintln(logWriter, "=======================\nstart new integration suite run\n=======================")

	resultMatcher := &regexpWriter{beginMatcher: resultBegin}
	failureMatcher := &regexpWriter{beginMatcher: failureBegin, endMatcher: failureEnd}

	runner := exec.Command(binary, args...)
	runner.Stdout = io.MultiWriter(logWriter, resultMatcher, failureMatcher)
	runner.Stderr = logWriter
	err := runner.Run()

	switch {
	case len(resultMatcher.result) != 0:
		message = resultMatcher.result[0]
	case err != nil:
		message = err.Error()
	default:
		message = "All checks have been passed"
	}

	return message, failureMatcher.result, err == nil
}

// regexpWriter buffers the stream line by line and keeps every line
// (or, between a begin and end match, every block) matching its
// matchers.
type regexpWriter struct {
	beginMatcher *regexp.Regexp
	endMatcher   *regexp.Regexp

	matchEnd bool
	buffer   []byte
	result   []string
}

func (w *regexpWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			if !w.matchEnd {
				if w.beginMatcher.Match(w.buffer) {
					if w.endMatcher != nil {
						w.matchEnd = true
					}
					w.result = append(w.result, string(w.buffer))
				}
			} else {
				if w.endMatcher.Match(w.buffer) {
					w.matchEnd = false
				}
				w.result[len(w.result)-1] = fmt.Sprintf("%s\n%s", w.result[len(w.result)-1], string(w.buffer))
			}
			w.buffer = nil
		} else {
			w.buffer = append(w.buffer, b)
		}
	}
	return len(p), nil
}
