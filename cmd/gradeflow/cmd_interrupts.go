// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

var interruptsCmd = &cobra.Command{
	Use:   "interrupts",
	Short: "List pending human-review interrupts",
	Long: `List pending interrupts (rubric review, results review, rule-upgrade
approval) waiting for a human response.

Examples:
  gradeflow interrupts
  gradeflow interrupts --batch demo-1`,
	RunE: runInterrupts,
}

var respondCmd = &cobra.Command{
	Use:   "respond [request-id]",
	Short: "Answer a pending interrupt",
	Long: `Answer a pending interrupt. The suspended run picks the response up
and re-executes the interrupted stage.

Actions: approve, reject, skip, update, reparse, regrade. Update,
reparse and regrade take a JSON payload.

Examples:
  # Approve a rubric review
  gradeflow respond req-abc --action approve

  # Override a question score
  gradeflow respond req-abc --action update \
    --payload '{"student_results":[{"student_key":"学生1","questions":[{"question_id":"1","score":8}]}]}'

  # Regrade a question
  gradeflow respond req-abc --action regrade \
    --payload '{"regrade":[{"student_key":"学生1","question_id":"1"}]}'`,
	Args: cobra.ExactArgs(1),
	RunE: runRespond,
}

var (
	interruptBatchID string
	respondAction    string
	respondPayload   string
	respondBy        string
)

func init() {
	rootCmd.AddCommand(interruptsCmd)
	rootCmd.AddCommand(respondCmd)

	interruptsCmd.Flags().StringVar(&interruptBatchID, "batch", "", "Filter by batch id")

	respondCmd.Flags().StringVar(&respondAction, "action", workflow.ActionApprove, "Response action")
	respondCmd.Flags().StringVar(&respondPayload, "payload", "", "Action payload as JSON")
	respondCmd.Flags().StringVar(&respondBy, "by", "", "Who is responding (default: current user)")
}

func runInterrupts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := workflow.NewSQLiteStore(config.Database.Path)
	if err != nil {
		return fmt.Errorf("open workflow store: %w", err)
	}
	defer store.Close()

	pending, err := store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list interrupts: %w", err)
	}
	if interruptBatchID != "" {
		var filtered []*workflow.InterruptRequest
		for _, req := range pending {
			if req.RunID == interruptBatchID {
				filtered = append(filtered, req)
			}
		}
		pending = filtered
	}
	if len(pending) == 0 {
		fmt.Println("No pending interrupts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBATCH\tSTAGE\tTYPE\tAGE\tEXPIRES")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, req := range pending {
		expires := "-"
		if !req.ExpiresAt.IsZero() {
			expires = time.Until(req.ExpiresAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
			req.ID, req.RunID, req.Stage, req.Type,
			time.Since(req.CreatedAt).Round(time.Second), expires)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d pending interrupt(s)\n", len(pending))
	return nil
}

func runRespond(cmd *cobra.Command, args []string) error {
	requestID := args[0]
	ctx := context.Background()

	var payload json.RawMessage
	if respondPayload != "" {
		if !json.Valid([]byte(respondPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		payload = json.RawMessage(respondPayload)
	}

	respondedBy := respondBy
	if respondedBy == "" {
		respondedBy = os.Getenv("USER")
		if respondedBy == "" {
			respondedBy = "unknown"
		}
	}

	store, err := workflow.NewSQLiteStore(config.Database.Path)
	if err != nil {
		return fmt.Errorf("open workflow store: %w", err)
	}
	defer store.Close()

	err = store.Respond(ctx, &workflow.InterruptResponse{
		RequestID:   requestID,
		Action:      respondAction,
		Payload:     payload,
		RespondedBy: respondedBy,
		RespondedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("respond to %s: %w", requestID, err)
	}

	fmt.Printf("✓ Response recorded\n")
	fmt.Printf("  Request ID: %s\n", requestID)
	fmt.Printf("  Action:     %s\n", respondAction)
	fmt.Printf("  By:         %s\n", respondedBy)
	return nil
}
