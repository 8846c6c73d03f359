// Package graph inspects run metadata to decide whether a node should take
// part in a rendezvous at all. The metadata mirrors the editor's graph
// serialization, which is loosely typed: ids arrive as numbers or strings
// and the workflow itself may be embedded as a JSON-encoded string.
package graph

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Node modes as serialized by the graph editor. Values vary by editor
// version; 2 (muted) and 4 (bypass) both mean the node must not run.
const (
	modeMuted  = 2
	modeBypass = 4
)

type workflow struct {
	Nodes []workflowNode `json:"nodes"`
}

type workflowNode struct {
	ID       json.RawMessage `json:"id"`
	Mode     json.RawMessage `json:"mode"`
	Bypassed *bool           `json:"bypassed"`
	Bypass   *bool           `json:"bypass"`
}

// ExtractWorkflow pulls the workflow object out of raw run metadata. The
// workflow may live under "workflow" or "Workflow" and may itself be a
// JSON-encoded string. Returns nil when no usable workflow is present.
func ExtractWorkflow(meta json.RawMessage) json.RawMessage {
	if len(meta) == 0 {
		return nil
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(meta, &outer); err != nil {
		return nil
	}
	wf, ok := outer["workflow"]
	if !ok {
		wf, ok = outer["Workflow"]
	}
	if !ok || len(wf) == 0 {
		return nil
	}

	// A string value holds the workflow as embedded JSON.
	if wf[0] == '"' {
		var s string
		if err := json.Unmarshal(wf, &s); err != nil {
			return nil
		}
		wf = json.RawMessage(s)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(wf, &probe); err != nil {
		return nil
	}
	return wf
}

// IsBypassed reports whether the node identified by nodeID is muted or
// bypassed in the run metadata. If the metadata carries no workflow, or the
// node cannot be found, bypass cannot be proven and the node runs.
func IsBypassed(nodeID string, meta json.RawMessage) bool {
	wfRaw := ExtractWorkflow(meta)
	if wfRaw == nil {
		return false
	}

	var wf workflow
	if err := json.Unmarshal(wfRaw, &wf); err != nil {
		return false
	}

	for _, n := range wf.Nodes {
		if rawString(n.ID) != nodeID {
			continue
		}
		if (n.Bypassed != nil && *n.Bypassed) || (n.Bypass != nil && *n.Bypass) {
			return true
		}
		if mode, ok := rawInt(n.Mode); ok && (mode == modeMuted || mode == modeBypass) {
			return true
		}
		return false
	}
	return false
}

// rawString renders a JSON scalar (string or number) as its string form.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// rawInt coerces a JSON scalar to an integer the way a lenient reader
// would: numbers are truncated, numeric strings parsed.
func rawInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return int(v), true
		}
	}
	return 0, false
}
