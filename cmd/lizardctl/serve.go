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
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dr0pdb/lizarddb/pkg/lizard"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the db and serve the as-of service",
	RunE:  serveRun,
}

func serveRun(cmd *cobra.Command, args []string) error {
	db, err := lizard.Open(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	lis, err := net.Listen("tcp", net.JoinHostPort(conf.Address, conf.Port))
	if err != nil {
		return err
	}
	server := lizard.NewServer(db)
	go func() {
		if err := server.Serve(lis); err != nil {
			log.WithFields(log.Fields{"error": err.Error()}).Error("lizardctl::serve::serveRun; grpc server stopped")
		}
	}()

	var metrics *http.Server
	if conf.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: conf.MetricsAddress, Handler: mux}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithFields(log.Fields{"error": err.Error()}).Error("lizardctl::serve::serveRun; metrics server stopped")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("lizardctl::serve::serveRun; shutting down")

	server.Stop()
	if metrics != nil {
		metrics.Close()
	}
	return nil
}
