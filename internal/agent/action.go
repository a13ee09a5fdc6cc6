// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"fmt"
	"strings"
	"time"
)

// Action is one unit of work submitted to the agent.
type Action struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Success   bool                   `json:"success"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// Supported action types.
const (
	ActionGenerate  = "generate"
	ActionChat      = "chat"
	ActionSystem    = "system"
	ActionKnowledge = "knowledge_search"
	ActionSequence  = "sequence"
)

var actionTypes = map[string]bool{
	ActionGenerate:  true,
	ActionChat:      true,
	ActionSystem:    true,
	ActionKnowledge: true,
	ActionSequence:  true,
}

// ValidateAction checks the action shape before execution.
func ValidateAction(a Action) error {
	if !actionTypes[a.Type] {
		return fmt.Errorf("agent: unknown action type %q", a.Type)
	}
	switch a.Type {
	case ActionGenerate:
		if stringField(a.Payload, "prompt") == "" {
			return fmt.Errorf("agent: generate action needs a prompt")
		}
	case ActionChat:
		if _, ok := a.Payload["messages"]; !ok {
			return fmt.Errorf("agent: chat action needs messages")
		}
	case ActionSystem:
		cmd := stringField(a.Payload, "command")
		if cmd == "" {
			return fmt.Errorf("agent: system action needs a command")
		}
		if !IsSafeCommand(cmd) {
			return fmt.Errorf("agent: command %q is not on the allowlist", cmd)
		}
	case ActionKnowledge:
		if stringField(a.Payload, "query") == "" {
			return fmt.Errorf("agent: knowledge_search action needs a query")
		}
	case ActionSequence:
		if _, ok := a.Payload["actions"]; !ok {
			return fmt.Errorf("agent: sequence action needs actions")
		}
	}
	return nil
}

// allowedCommands are the only binaries a system action may invoke.
var allowedCommands = map[string]bool{
	"ls":     true,
	"ps":     true,
	"pwd":    true,
	"echo":   true,
	"whoami": true,
	"date":   true,
	"uptime": true,
}

const shellMetaChars = ";&|><`$\\\"'*"

// IsSafeCommand reports whether a system command is on the allowlist and free
// of shell metacharacters.
func IsSafeCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	if !allowedCommands[fields[0]] {
		return false
	}
	return !strings.ContainsAny(command, shellMetaChars)
}

func stringField(payload map[string]interface{}, key string) string {
	v, _ := payload[key].(string)
	return v
}
