package schema

// StateType enumerates the kinds of states a machine definition may use.
type StateType string

const (
	StateTypeTask   StateType = "Task"
	StateTypeWait   StateType = "Wait"
	StateTypeChoice StateType = "Choice"
)

// Resources a Task state may invoke.
const (
	ResourceStartJobRun = "runner:startJobRun"
	ResourceGetJobRun   = "runner:getJobRun"
	ResourcePublish     = "notifier:publish"
)

// Canonical state names of the order/returns pipeline.
const (
	StateStartJobRun     = "StartJobRun"
	StateWaitBeforeCheck = "WaitBeforeCheck"
	StateGetJobRun       = "GetJobRun"
	StateJobComplete     = "Job_Complete?"
	StatePublishSuccess  = "SNS_Publish_Success"
	StatePublishFailure  = "SNS_Publish_Failure"
)

// MachineDefinition is the document the workflow engine interprets. Field
// names follow the Amazon States Language so existing definitions load as-is.
type MachineDefinition struct {
	Comment        string                     `json:"Comment,omitempty" yaml:"Comment,omitempty"`
	StartAt        string                     `json:"StartAt" yaml:"StartAt"`
	TimeoutSeconds int                        `json:"TimeoutSeconds,omitempty" yaml:"TimeoutSeconds,omitempty"`
	States         map[string]StateDefinition `json:"States" yaml:"States"`
}

// StateDefinition describes one state.
//
// Parameters keys ending in ".$" take a "$."-rooted path resolved against
// the execution document; keys ending in ".=" take an expression evaluated
// with the document's top-level fields in scope. Other keys are literals.
type StateDefinition struct {
	Type       StateType      `json:"Type" yaml:"Type"`
	Comment    string         `json:"Comment,omitempty" yaml:"Comment,omitempty"`
	Resource   string         `json:"Resource,omitempty" yaml:"Resource,omitempty"`
	Parameters map[string]any `json:"Parameters,omitempty" yaml:"Parameters,omitempty"`
	ResultPath string         `json:"ResultPath,omitempty" yaml:"ResultPath,omitempty"`
	Seconds    int            `json:"Seconds,omitempty" yaml:"Seconds,omitempty"`
	Next       string         `json:"Next,omitempty" yaml:"Next,omitempty"`
	End        bool           `json:"End,omitempty" yaml:"End,omitempty"`
	Choices    []ChoiceRule   `json:"Choices,omitempty" yaml:"Choices,omitempty"`
	Default    string         `json:"Default,omitempty" yaml:"Default,omitempty"`
}

// ChoiceRule routes to Next when it matches. Either Condition (a CEL
// expression) or the Variable/StringEquals pair is set.
type ChoiceRule struct {
	Variable     string `json:"Variable,omitempty" yaml:"Variable,omitempty"`
	StringEquals string `json:"StringEquals,omitempty" yaml:"StringEquals,omitempty"`
	Condition    string `json:"Condition,omitempty" yaml:"Condition,omitempty"`
	Next         string `json:"Next" yaml:"Next"`
}
