package pylon

import (
	"fmt"
	"strings"

	"github.com/pylonmesh/pylonmesh/pkg/fabric"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// AutoAllowTools are non-mutating tools allowed regardless of mode.
var AutoAllowTools = map[string]bool{
	"Read":      true,
	"Glob":      true,
	"Grep":      true,
	"WebSearch": true,
	"WebFetch":  true,
	"TodoWrite": true,
}

// editTools are auto-allowed under acceptEdits.
var editTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"Bash":         true,
	"NotebookEdit": true,
}

// protectedPathFragments deny Edit/Write targets that look like secrets.
var protectedPathFragments = []string{".env", ".secret", ".credentials", ".password"}

// dangerousCommandFragments deny Bash commands outright.
var dangerousCommandFragments = []string{"rm -rf /", "format", "shutdown", "reboot", "mkfs"}

// CheckPermission decides allow, deny or ask for a tool invocation. It is
// total and side-effect-free; auto-deny dominates every mode, and
// bypassPermissions never bypasses AskUserQuestion.
func CheckPermission(toolName string, input map[string]any, mode string) Decision {
	if AutoAllowTools[toolName] {
		return DecisionAllow
	}
	if isAutoDenied(toolName, input) {
		return DecisionDeny
	}
	switch mode {
	case fabric.ModeAcceptEdits:
		if editTools[toolName] {
			return DecisionAllow
		}
	case fabric.ModeBypassPermissions:
		if toolName != "AskUserQuestion" {
			return DecisionAllow
		}
	}
	return DecisionAsk
}

// DenyMessage is the structured reply for an auto-denied invocation.
func DenyMessage(toolName string, input map[string]any) string {
	if toolName == "Edit" || toolName == "Write" {
		return fmt.Sprintf("Protected file: %s", stringField(input, "file_path"))
	}
	return fmt.Sprintf("Dangerous command blocked: %s", stringField(input, "command"))
}

func isAutoDenied(toolName string, input map[string]any) bool {
	switch toolName {
	case "Edit", "Write":
		path := strings.ToLower(stringField(input, "file_path"))
		for _, frag := range protectedPathFragments {
			if strings.Contains(path, frag) {
				return true
			}
		}
	case "Bash":
		cmd := strings.ToLower(stringField(input, "command"))
		for _, frag := range dangerousCommandFragments {
			if strings.Contains(cmd, frag) {
				return true
			}
		}
	}
	return false
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}
