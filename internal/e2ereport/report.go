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

package e2ereport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Report is the outcome of one RunSuite invocation, in the shape a CI
// job uploads as an artifact or posts to an arbitrary webhook.
type Report struct {
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Message   string        `json:"message"`
	Failures  []string      `json:"failures,omitempty"`
	Pass      bool          `json:"pass"`

	RemoteRepo string `json:"remoteRepo,omitempty"`
	Refspec    string `json:"refspec,omitempty"`
	CommitSHA  string `json:"commitSha,omitempty"`
}

// JSON renders the report for a log line or a webhook body.
func (r Report) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// WriteFile persists r as indented JSON at path, creating parent
// directories as needed.
func WriteFile(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("e2ereport: encoding report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("e2ereport: creating report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("e2ereport: writing report: %w", err)
	}
	return nil
}

// PostWebhook delivers r as a JSON POST body to hookURL, retrying on
// transport or non-200 failures until timeout elapses.
func PostWebhook(hookURL string, r Report, timeout time.Duration) error {
	if hookURL == "" {
		return nil
	}
	body, err := r.JSON()
	if err != nil {
		return err
	}
	return wait.PollImmediate(time.Second, timeout, func() (bool, error) {
		log.Infof("e2ereport: posting report to %s", hookURL)
		resp, err := http.Post(hookURL, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Errorf("e2ereport: posting report: %v", err)
			return false, nil
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Errorf("e2ereport: webhook returned status %d", resp.StatusCode)
			return false, nil
		}
		return true, nil
	})
}
