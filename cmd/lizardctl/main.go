/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"os"

	"github.com/dr0pdb/lizarddb/pkg/common"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:               "lizardctl",
		Short:             "Run and inspect a lizard node",
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	configFilePath = "/etc/lizard.yaml"
	dbPath         = ""
	logLevel       = ""

	conf = common.NewDefaultLizardConfig()
)

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&configFilePath, "config", configFilePath, "`file` to load the config from")
	fs.StringVar(&dbPath, "db-path", dbPath, "overrides the db `directory` of the config")
	fs.StringVar(&logLevel, "log-level", logLevel, "overrides the log level of the config")

	rootCmd.AddCommand(serveCmd, inspectCmd, asOfCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configFilePath); err == nil {
		conf.LoadFromFile(configFilePath)
	}
	if dbPath != "" {
		conf.DbPath = dbPath
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if err := conf.Validate(); err != nil {
		return err
	}
	return common.SetupLogging(conf)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
