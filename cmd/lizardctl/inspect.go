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
	"fmt"
	"io"
	"strconv"

	"github.com/dr0pdb/lizarddb/pkg/lizard"
	"github.com/dr0pdb/lizarddb/pkg/scn"
	"github.com/dr0pdb/lizarddb/pkg/undo"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Inspect the on-disk state of a stopped db",
	}

	inspectUndoCmd = &cobra.Command{
		Use:   "undo",
		Short: "List the undo segments and their headers",
		RunE:  inspectUndoRun,
	}

	inspectHistoryCmd = &cobra.Command{
		Use:   "history",
		Short: "List the retained scn history samples",
		RunE:  inspectHistoryRun,
	}
)

func init() {
	inspectCmd.AddCommand(inspectUndoCmd, inspectHistoryCmd)
}

func inspectUndoRun(cmd *cobra.Command, args []string) error {
	db, err := lizard.Open(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	renderSegments(cmd.OutOrStdout(), db.Undo())
	return nil
}

func formatSCN(s scn.SCN) string {
	if s == scn.NullSCN {
		return "null"
	}
	return strconv.FormatUint(uint64(s), 10)
}

func formatGCN(g scn.GCN) string {
	if g == scn.NullGCN {
		return "null"
	}
	return strconv.FormatUint(uint64(g), 10)
}

func renderSegments(w io.Writer, m *undo.Manager) {
	var values [][]string
	m.ScanSegments(func(info undo.SegmentInfo, err error) {
		if err != nil {
			values = append(values, []string{info.Addr.String(), strconv.Itoa(int(info.Rseg)), info.List.String(), strconv.Itoa(info.Pages), "-", "corrupt: " + err.Error(), "-", "-", "-"})
			return
		}
		h := info.Header
		values = append(values, []string{
			info.Addr.String(),
			strconv.Itoa(int(info.Rseg)),
			info.List.String(),
			strconv.Itoa(info.Pages),
			strconv.FormatUint(h.TrxID, 10),
			h.State.String(),
			fmt.Sprintf("0x%02x", uint8(h.Flags)),
			formatSCN(h.Commit.SCN),
			formatGCN(h.Commit.GCN),
		})
	})

	tb := tablewriter.NewWriter(w)
	tb.SetHeader([]string{"segment", "rseg", "list", "pages", "trx id", "state", "flags", "scn", "gcn"})
	tb.AppendBulk(values)
	tb.Render()
}

func inspectHistoryRun(cmd *cobra.Command, args []string) error {
	db, err := lizard.Open(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	tb := tablewriter.NewWriter(cmd.OutOrStdout())
	tb.SetHeader([]string{"time", "scn"})
	for _, smp := range db.History().Samples() {
		tb.Append([]string{smp.UTC.Time().UTC().Format("2006-01-02T15:04:05.000000Z"), formatSCN(smp.SCN)})
	}
	tb.Render()
	return nil
}
