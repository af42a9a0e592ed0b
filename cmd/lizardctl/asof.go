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
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dr0pdb/lizarddb/pkg/lizard"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	asOfCmd = &cobra.Command{
		Use:   "asof",
		Short: "Ask a running node which scn an as-of read would use",
	}

	asOfTimestampCmd = &cobra.Command{
		Use:   "timestamp <RFC3339 time | duration ago>",
		Short: "Exchange a timestamp to an scn",
		Args:  cobra.ExactArgs(1),
		RunE:  asOfTimestampRun,
	}

	asOfScnCmd = &cobra.Command{
		Use:   "scn <scn>",
		Short: "Validate an scn",
		Args:  cobra.ExactArgs(1),
		RunE:  asOfScnRun,
	}

	asOfGcnCmd = &cobra.Command{
		Use:   "gcn <gcn>",
		Short: "Push the node gcn up and print the scn a read at it is bound to",
		Args:  cobra.ExactArgs(1),
		RunE:  asOfGcnRun,
	}

	currentScnCmd = &cobra.Command{
		Use:   "current",
		Short: "Print the current scn of the node",
		Args:  cobra.NoArgs,
		RunE:  currentScnRun,
	}

	dialTimeout = 5 * time.Second
)

func init() {
	asOfCmd.PersistentFlags().DurationVar(&dialTimeout, "timeout", dialTimeout, "timeout of the call")
	asOfCmd.AddCommand(asOfTimestampCmd, asOfScnCmd, asOfGcnCmd, currentScnCmd)
}

// parseTimestamp accepts an RFC3339 time or a duration before now.
func parseTimestamp(arg string, now time.Time) (scn.UTC, error) {
	if t, err := time.Parse(time.RFC3339Nano, arg); err == nil {
		return scn.FromTime(t), nil
	}
	d, err := time.ParseDuration(arg)
	if err != nil {
		return 0, fmt.Errorf("%s is neither an RFC3339 time nor a duration", arg)
	}
	if d < 0 {
		d = -d
	}
	return scn.FromTime(now.Add(-d)), nil
}

func withClient(fn func(ctx context.Context, c *lizard.AsOfClient) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, net.JoinHostPort(conf.Address, conf.Port), grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, lizard.NewAsOfClient(conn))
}

func asOfTimestampRun(cmd *cobra.Command, args []string) error {
	ts, err := parseTimestamp(args[0], time.Now())
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *lizard.AsOfClient) error {
		s, err := c.AsOfTimestamp(ctx, ts)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	})
}

func asOfScnRun(cmd *cobra.Command, args []string) error {
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *lizard.AsOfClient) error {
		s, err := c.AsOfScn(ctx, scn.SCN(v))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	})
}

func asOfGcnRun(cmd *cobra.Command, args []string) error {
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}
	return withClient(func(ctx context.Context, c *lizard.AsOfClient) error {
		s, err := c.AsOfGcn(ctx, scn.GCN(v))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	})
}

func currentScnRun(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, c *lizard.AsOfClient) error {
		s, err := c.CurrentScn(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	})
}
