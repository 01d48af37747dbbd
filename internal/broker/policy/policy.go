// Package policy implements the synchronous permission decision function
// consulted on every agent `request_permission` call (C6 Policy Gate).
package policy

import (
	"strings"

	"github.com/lareview/broker/internal/broker/sandbox"
)

// ToolKind classifies the tool a permission request names.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindExecute ToolKind = "execute"
	ToolKindOther   ToolKind = "other"
)

// OptionKind mirrors the subset of ACP permission option kinds the gate
// cares about when picking which option to select.
type OptionKind string

const (
	OptionKindAllowOnce   OptionKind = "allow_once"
	OptionKindAllowAlways OptionKind = "allow_always"
)

// Option is one selectable outcome offered by a permission request.
type Option struct {
	ID   string
	Kind OptionKind
}

// Request is the input to Decide: everything needed to classify and gate one
// permission request, independent of the ACP wire types.
type Request struct {
	ToolKind      ToolKind
	ToolTitle     string
	RawInput      map[string]any
	HasRepoAccess bool
	RepoRoot      string
	Options       []Option
}

// Decision is the gate's verdict: either a selected option id, or cancelled.
type Decision struct {
	Selected  bool
	OptionID  string
	Cancelled bool
}

func cancelled() Decision { return Decision{Cancelled: true} }

// Decide applies the first-match-wins table of spec.md §4.6:
//  1. A return_tasks/return_plans tool is always allowed.
//  2. A Read tool is allowed only with repo access and a sandbox-safe path.
//  3. Everything else — including every Execute tool, unconditionally — is
//     cancelled.
func Decide(req Request) Decision {
	if namesReturnTool(req.ToolTitle) || payloadNamesReturnTool(req.RawInput) {
		return selectAllowOption(req.Options)
	}

	if req.HasRepoAccess && req.ToolKind == ToolKindRead && sandbox.IsSafeReadRequest(req.RepoRoot, req.RawInput) {
		return selectAllowOption(req.Options)
	}

	return cancelled()
}

func namesReturnTool(title string) bool {
	return strings.Contains(title, "return_tasks") || strings.Contains(title, "return_plans")
}

func payloadNamesReturnTool(rawInput map[string]any) bool {
	if rawInput == nil {
		return false
	}
	if _, ok := rawInput["tasks"]; ok {
		return true
	}
	if _, ok := rawInput["plans"]; ok {
		return true
	}
	return false
}

func selectAllowOption(options []Option) Decision {
	for _, opt := range options {
		if opt.Kind == OptionKindAllowOnce || opt.Kind == OptionKindAllowAlways {
			return Decision{Selected: true, OptionID: opt.ID}
		}
	}
	return cancelled()
}
