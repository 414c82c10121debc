package agent

// State is a turn's position in the controller state machine.
type State int

const (
	StateIdle State = iota
	StateClassifying
	StateWorkflowAttempt
	StateDefaultGenerate
	StateExecuteTools
	StateFollowupGenerate
	StatePersist
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClassifying:
		return "classifying"
	case StateWorkflowAttempt:
		return "workflow_attempt"
	case StateDefaultGenerate:
		return "default_generate"
	case StateExecuteTools:
		return "execute_tools"
	case StateFollowupGenerate:
		return "followup_generate"
	case StatePersist:
		return "persist"
	}
	return "unknown"
}

// Path records how a turn produced its reply.
type Path string

const (
	// PathWorkflow: a workflow completed and its summary is the reply.
	PathWorkflow Path = "workflow"
	// PathDirect: one generation pass with no tool calls.
	PathDirect Path = "direct"
	// PathTools: tool calls were executed and a follow-up pass ran.
	PathTools Path = "tools"
	// PathError: the turn failed and the reply reports the error.
	PathError Path = "error"
)
