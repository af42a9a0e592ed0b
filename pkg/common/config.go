/**
 * Copyright 2020 The IcecaneDB Authors. All rights reserved.
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

package common

import (
	"fmt"
	"io/ioutil"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	// KB - Kilobytes
	KB uint64 = 1024

	// MB - Megabytes
	MB uint64 = 1024 * 1024
)

// LizardConfig defines the configuration settings of a lizard node.
type LizardConfig struct {
	DbPath  string `yaml:"dbPath"`
	Address string `yaml:"address"`
	Port    string `yaml:"port"`

	// MetricsAddress is the host:port the prometheus handler listens on. Empty disables it.
	MetricsAddress string `yaml:"metricsAddress"`

	// SafeCleanout gates every cleanout behind the undo header registry.
	SafeCleanout bool `yaml:"safeCleanout"`

	// UndoSpaces is the number of undo tablespaces and RsegsPerSpace the
	// rollback segments created inside each of them.
	UndoSpaces    uint8 `yaml:"undoSpaces"`
	RsegsPerSpace int   `yaml:"rsegsPerSpace"`

	// SampleInterval is how often a (timestamp, scn) pair is recorded and
	// SampleRetention how long samples are kept around for as-of queries.
	SampleInterval  time.Duration `yaml:"sampleInterval"`
	SampleRetention time.Duration `yaml:"sampleRetention"`

	// Logging config
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// NewDefaultLizardConfig returns a new default lizard configuration.
func NewDefaultLizardConfig() *LizardConfig {
	return &LizardConfig{
		DbPath:          "/var/lib/lizard",
		Address:         "127.0.0.1",
		Port:            "9400",
		SafeCleanout:    true,
		UndoSpaces:      2,
		RsegsPerSpace:   4,
		SampleInterval:  time.Second,
		SampleRetention: 24 * time.Hour,
		LogLevel:        "info",
	}
}

// Validate validates a LizardConfig and returns an error if it's invalid.
func (conf *LizardConfig) Validate() error {
	if conf.DbPath == "" {
		return fmt.Errorf("invalid db path provided in config")
	}
	if conf.UndoSpaces == 0 || conf.UndoSpaces > 127 {
		return fmt.Errorf("invalid number of undo spaces %d; must be in [1, 127]", conf.UndoSpaces)
	}
	if conf.RsegsPerSpace <= 0 {
		return fmt.Errorf("invalid number of rollback segments per space %d", conf.RsegsPerSpace)
	}
	if conf.SampleInterval <= 0 {
		return fmt.Errorf("invalid sample interval %v", conf.SampleInterval)
	}
	if conf.SampleRetention < conf.SampleInterval {
		return fmt.Errorf("sample retention %v is shorter than the sample interval %v", conf.SampleRetention, conf.SampleInterval)
	}
	if _, err := log.ParseLevel(conf.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %s", conf.LogLevel)
	}
	return nil
}

// LoadFromFile loads the config from the file. It assumes that config already has the defaults.
// In the case of an error, it leaves the config untouched.
func (conf *LizardConfig) LoadFromFile(path string) {
	log.Info(fmt.Sprintf("common::config::LoadFromFile; loading config from file %s", path))
	data, err := ioutil.ReadFile(path)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error reading config from file %s, error %s", path, err))
		return
	}

	fconf := LizardConfig{}
	err = yaml.Unmarshal(data, &fconf)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error unmarshalling config from file %s, error %s", path, err))
		return
	}

	// safeCleanout defaults to true, so it's read again through a pointer to tell "false" from "absent".
	safe := struct {
		SafeCleanout *bool `yaml:"safeCleanout"`
	}{}
	err = yaml.Unmarshal(data, &safe)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error unmarshalling config from file %s, error %s", path, err))
		return
	}

	log.WithFields(log.Fields{"config": fconf}).Debug("common::config::LoadFromFile; read contents from the file")

	// populate fields
	if fconf.DbPath != "" {
		conf.DbPath = fconf.DbPath
	}
	if fconf.Address != "" {
		conf.Address = fconf.Address
	}
	if fconf.Port != "" {
		conf.Port = fconf.Port
	}
	if fconf.MetricsAddress != "" {
		conf.MetricsAddress = fconf.MetricsAddress
	}
	if safe.SafeCleanout != nil {
		conf.SafeCleanout = *safe.SafeCleanout
	}
	if fconf.UndoSpaces != 0 {
		conf.UndoSpaces = fconf.UndoSpaces
	}
	if fconf.RsegsPerSpace != 0 {
		conf.RsegsPerSpace = fconf.RsegsPerSpace
	}
	if fconf.SampleInterval != 0 {
		conf.SampleInterval = fconf.SampleInterval
	}
	if fconf.SampleRetention != 0 {
		conf.SampleRetention = fconf.SampleRetention
	}
	if fconf.LogLevel != "" {
		conf.LogLevel = fconf.LogLevel
	}
	if fconf.LogFile != "" {
		conf.LogFile = fconf.LogFile
	}
}
