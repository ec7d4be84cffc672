// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package terraform

import "encoding/json"

// DestructiveChange is a resource a plan would delete or replace, surfaced
// to webhooks so drift remediation never destroys silently.
type DestructiveChange struct {
	Address string `json:"address"`
	Action  string `json:"action"` // "delete" or "replace"
}

// PlanDestructiveChanges scans a machine-readable plan for resource changes
// that include a delete action. A delete paired with a create is a replace.
func PlanDestructiveChanges(planJSON []byte) []DestructiveChange {
	var plan struct {
		ResourceChanges []struct {
			Address string `json:"address"`
			Change  struct {
				Actions []string `json:"actions"`
			} `json:"change"`
		} `json:"resource_changes"`
	}
	if err := json.Unmarshal(planJSON, &plan); err != nil {
		return nil
	}
	var changes []DestructiveChange
	for _, rc := range plan.ResourceChanges {
		deletes := false
		for _, action := range rc.Change.Actions {
			if action == "delete" {
				deletes = true
			}
		}
		if !deletes {
			continue
		}
		address := rc.Address
		if address == "" {
			address = "unknown"
		}
		action := "delete"
		if len(rc.Change.Actions) > 1 {
			action = "replace"
		}
		changes = append(changes, DestructiveChange{Address: address, Action: action})
	}
	return changes
}
