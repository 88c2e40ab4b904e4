package runtime

import (
	"fmt"
)

// Backend decides where a node call executes. local runs the call in this
// process through the node's middleware chain.
type Backend interface {
	Exec(exec *Execution, in Input, local Handler) (any, error)
}

// LocalBackend runs every call in-process.
type LocalBackend struct{}

func (LocalBackend) Exec(exec *Execution, in Input, local Handler) (any, error) {
	return local(exec, in)
}

// RemoteCall is the record a remote backend leaves in the shared context for
// the server, keyed by a fresh id. The server fills in Result or Error.
type RemoteCall struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	State  CallState      `json:"state"`
	// Started is set by the server that claimed the call. A call runs once;
	// a repeated request for it is refused.
	Started bool   `json:"started"`
	Done    bool   `json:"done"`
	Result any            `json:"result"`
	Error  string         `json:"error"`
}

// NewRemoteCall captures the input and position of exec.
func NewRemoteCall(exec *Execution, in Input) RemoteCall {
	return RemoteCall{
		Args:   in.Args,
		Kwargs: in.Kwargs,
		State: CallState{
			Name:     exec.Name(),
			Prefix:   exec.Prefix(),
			RunID:    exec.RunID(),
			FlowName: exec.FlowName(),
		},
	}
}

func (r RemoteCall) Input() Input {
	return Input{Args: r.Args, Kwargs: r.Kwargs}
}

// ToMap is the stored form. Plain maps survive every cache codec.
func (r RemoteCall) ToMap() map[string]any {
	m := map[string]any{
		"args":   r.Args,
		"kwargs": r.Kwargs,
		"state": map[string]any{
			"name":      r.State.Name,
			"prefix":    r.State.Prefix,
			"run_id":    r.State.RunID,
			"flow_name": r.State.FlowName,
		},
	}
	if r.Started {
		m["started"] = true
	}
	if r.Done {
		m["done"] = true
		m["result"] = r.Result
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// DecodeRemoteCall reads a stored RemoteCall back.
func DecodeRemoteCall(v any) (RemoteCall, error) {
	if v == nil {
		return RemoteCall{}, fmt.Errorf("remote call record is empty")
	}
	var call RemoteCall
	if err := mapToStruct(v, &call); err != nil {
		return RemoteCall{}, err
	}
	return call, nil
}
