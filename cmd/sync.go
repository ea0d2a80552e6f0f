/*
Copyright 2026 Roster Authors.

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

package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/rosterhq/roster/model"
)

// syncCommands defines one-shot membership operations: add or remove a
// member across all configured directories, print the orchestration
// response, and report health.
func syncCommands(b *rosterInstance) *cobra.Command {
	var requestor, justification string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run a one-shot membership change",
	}
	cmd.PersistentFlags().StringVar(&requestor, "requestor", "", "email of the person requesting the change")
	cmd.PersistentFlags().StringVar(&justification, "justification", "", "free-form reason recorded in the audit trail")

	addCmd := &cobra.Command{
		Use:   "add <group-id> <member-email>",
		Short: "add a member to a group on every directory",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := b.roster.AddMember(context.Background(), model.MembershipChange{
				GroupID:       args[0],
				MemberEmail:   args[1],
				Requestor:     requestor,
				Justification: justification,
			})
			if err != nil {
				log.Fatal(err)
			}
			printJSON(resp)
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <group-id> <member-email>",
		Short: "remove a member from a group on every directory",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := b.roster.RemoveMember(context.Background(), model.MembershipChange{
				GroupID:       args[0],
				MemberEmail:   args[1],
				Requestor:     requestor,
				Justification: justification,
			})
			if err != nil {
				log.Fatal(err)
			}
			printJSON(resp)
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "report provider, breaker and retry queue health",
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(b.roster.Health(context.Background()))
		},
	}

	cmd.AddCommand(addCmd, removeCmd, healthCmd)
	return cmd
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}
