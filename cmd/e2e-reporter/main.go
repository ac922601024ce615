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

// Command e2e-reporter runs the compiled integration-test suite and
// writes a JSON report, optionally posting it to a webhook.
package main

import (
	"os"
	"os/exec"
	"path"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opendaylight/opflex-agent-ovs/internal/e2ereport"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "e2e-reporter",
		Short: "run the opflex-agent-ovs integration suite and report the result",
		RunE:  reporter,
	}

	rootCmd.PersistentFlags().String("suite-binary", "/usr/local/bin/opflex-agent-ovs.test", "compiled integration-test binary to run")
	rootCmd.PersistentFlags().String("log-dir", "/tmp/opflex-agent-ovs-e2e", "directory to write the run log and report into")
	rootCmd.PersistentFlags().String("hook-url", "", "optional webhook to POST the JSON report to")
	rootCmd.PersistentFlags().String("remote-repo", "", "repo the suite was checked out from, recorded in the report")
	rootCmd.PersistentFlags().String("refspec", "main", "checked-out refspec, recorded in the report")
	rootCmd.PersistentFlags().String("commit-hash", "", "checked-out commit, recorded in the report")

	rootCmd.Root().SilenceUsage = true
	rootCmd.Root().SetHelpCommand(&cobra.Command{Hidden: true})

	return rootCmd
}

func reporter(cmd *cobra.Command, args []string) error {
	binary := cmd.Flag("suite-binary").Value.String()
	logDir := cmd.Flag("log-dir").Value.String()
	hookURL := cmd.Flag("hook-url").Value.String()
	remoteRepo := cmd.Flag("remote-repo").Value.String()
	refspec := cmd.Flag("refspec").Value.String()
	commitHash := cmd.Flag("commit-hash").Value.String()

	startTime := time.Now()
	runDir := path.Join(logDir, startTime.Format(time.RFC3339))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(path.Join(runDir, "suite.log"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	message, failures, pass := e2ereport.RunSuite(binary, args, logFile)

	report := e2ereport.Report{
		StartTime:  startTime,
		Duration:   time.Since(startTime),
		Message:    message,
		Failures:   failures,
		Pass:       pass,
		RemoteRepo: remoteRepo,
		Refspec:    refspec,
		CommitSHA:  commitHash,
	}
	if err := e2ereport.WriteFile(path.Join(runDir, "report.json"), report); err != nil {
		return err
	}
	if err := e2ereport.PostWebhook(hookURL, report, 10*time.Minute); err != nil {
		log.Errorf("e2e-reporter: posting report: %v", err)
	}
	if !pass {
		os.Exit(1)
	}
	return nil
}
