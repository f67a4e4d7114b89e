// Package worker owns the worker state machine: initialisation, the
// standard (sandboxed code) and SQL execution handlers, and the LLM-based
// validation step shared by both. Every terminal branch enqueues exactly
// one of self-retry or the owning planner's synthesis, which is the
// liveness contract the planner loop depends on.
package worker

import "github.com/agentcore/planrunner/internal/llm"

// OutputVariable declares one output of a generated program.
type OutputVariable struct {
	Name    string `json:"name"`
	IsImage bool   `json:"is_image"`
}

// TaskArtefact is the structured response of one standard-worker attempt.
type TaskArtefact struct {
	SummaryOfPreviousFailures string           `json:"summary_of_previous_failures"`
	Thought                   string           `json:"thought"`
	Result                    string           `json:"result"`
	PythonCode                string           `json:"python_code"`
	OutputVariables           []OutputVariable `json:"output_variables"`
	IsMalicious               bool             `json:"is_malicious"`
}

// TaskArtefactSQL is the structured response of one SQL-worker attempt.
type TaskArtefactSQL struct {
	SummaryOfPreviousFailures string `json:"summary_of_previous_failures"`
	Thought                   string `json:"thought"`
	SQLCode                   string `json:"sql_code"`
	ReasonCodeNotCreated      string `json:"reason_code_not_created"`
}

// TaskResult is the validated outcome recorded on a completed worker.
type TaskResult struct {
	Result string `json:"result"`
	Output string `json:"output"`
}

// Render flattens the result for storage on the worker row.
func (r TaskResult) Render() string {
	if r.Output == "" {
		return r.Result
	}
	return r.Result + "\n\nOutput:\n" + r.Output
}

// TaskValidation is the validator's structured verdict.
type TaskValidation struct {
	MostRecentFailure       string     `json:"most_recent_failure"`
	SecondMostRecentFailure string     `json:"second_most_recent_failure"`
	ThirdMostRecentFailure  string     `json:"third_most_recent_failure"`
	ThreeIdenticalFailures  bool       `json:"three_identical_failures"`
	TaskCompleted           bool       `json:"task_completed"`
	ValidatedResult         TaskResult `json:"validated_result"`
	FailedCriteria          string     `json:"failed_criteria"`
}

// ErrorDiagnosis classifies a sandbox failure: a missing tool is fatal for
// the attempt chain (the planner must adapt), a repeated identical failure
// after three attempts likewise.
type ErrorDiagnosis struct {
	MissingTool       bool   `json:"missing_tool"`
	IdenticalFailures bool   `json:"identical_failures"`
	Explanation       string `json:"explanation"`
}

// ArtefactSchema constrains the standard-worker attempt response.
var ArtefactSchema = llm.MustSchema("TaskArtefact", `{
	"type": "object",
	"properties": {
		"summary_of_previous_failures": {
			"type": "string",
			"description": "Empty when there are no failures; otherwise a summary of why the previous run(s) failed."
		},
		"thought": {
			"type": "string",
			"description": "Step-by-step reasoning for how to perform the task. When code is required, reason toward correct code in as few tries as possible. When a provided tool can be used, code must be generated to use it. Never use OCR to read images; images are read directly."
		},
		"result": {
			"type": "string",
			"description": "The successful outcome when the task can be completed without executing any code. Empty when code must be executed."
		},
		"python_code": {
			"type": "string",
			"description": "Executable python code performing the task. Store the result in a variable and print it. Image outputs must not be printed. Use provided functions where possible; never re-implement an existing function. Output names must reflect the task to avoid naming conflicts. Empty when no code is required. After a failed validation, adjust the code based on the failure reason instead of repeating it."
		},
		"output_variables": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"is_image": {"type": "boolean"}
				},
				"required": ["name", "is_image"],
				"additionalProperties": false
			},
			"description": "Output variable names from the code. A printed value does not need to be an output; declare outputs only when future tasks must access them as variables. Images must always be declared."
		},
		"is_malicious": {
			"type": "boolean",
			"description": "True when the requested task or the generated code attempts to harm the host system, exfiltrate data, or otherwise act maliciously."
		}
	},
	"required": ["summary_of_previous_failures", "thought", "result", "python_code", "output_variables", "is_malicious"],
	"additionalProperties": false
}`)

// ArtefactSQLSchema constrains the SQL-worker attempt response.
var ArtefactSQLSchema = llm.MustSchema("TaskArtefactSQL", `{
	"type": "object",
	"properties": {
		"summary_of_previous_failures": {
			"type": "string",
			"description": "Empty when there are no failures; otherwise a summary of why the previous run(s) failed."
		},
		"thought": {
			"type": "string",
			"description": "Step-by-step reasoning. When the context is insufficient to generate the query, generate no code and explain why."
		},
		"sql_code": {
			"type": "string",
			"description": "Executable SQL query addressing the task. Never invent table names, column names, or column values. Prefer aggregation when the result would exceed roughly 50 rows. Empty when the context is insufficient."
		},
		"reason_code_not_created": {
			"type": "string",
			"description": "When sql_code is empty, the reason no query could be generated."
		}
	},
	"required": ["summary_of_previous_failures", "thought", "sql_code", "reason_code_not_created"],
	"additionalProperties": false
}`)

// ValidationSchema constrains the validator's verdict.
var ValidationSchema = llm.MustSchema("TaskValidation", `{
	"type": "object",
	"properties": {
		"most_recent_failure": {
			"type": "string",
			"description": "Empty when there are no failures; otherwise a description of the last failure."
		},
		"second_most_recent_failure": {
			"type": "string",
			"description": "Empty unless there are at least two failures."
		},
		"third_most_recent_failure": {
			"type": "string",
			"description": "Empty unless there are at least three failures."
		},
		"three_identical_failures": {
			"type": "boolean",
			"description": "True only when there are at least three failures and they are identical."
		},
		"task_completed": {
			"type": "boolean",
			"description": "True when three_identical_failures is true (accept to avoid an endless loop), or when every acceptance criterion is met."
		},
		"validated_result": {
			"type": "object",
			"properties": {
				"result": {
					"type": "string",
					"description": "A detailed summary of the actions taken and critical outcomes. When acceptance followed repeated identical failures, state that explicitly."
				},
				"output": {
					"type": "string",
					"description": "Every output and its actual content. Images are the exception: state only the output variable name and a description."
				}
			},
			"required": ["result", "output"],
			"additionalProperties": false
		},
		"failed_criteria": {
			"type": "string",
			"description": "When any acceptance criteria are unmet, which ones and why. Empty otherwise."
		}
	},
	"required": ["most_recent_failure", "second_most_recent_failure", "third_most_recent_failure", "three_identical_failures", "task_completed", "validated_result", "failed_criteria"],
	"additionalProperties": false
}`)

// DiagnosisSchema constrains the failure classification asked for after a
// sandbox error.
var DiagnosisSchema = llm.MustSchema("ErrorDiagnosis", `{
	"type": "object",
	"properties": {
		"missing_tool": {
			"type": "boolean",
			"description": "True when the error indicates the task needs a tool or library that is not available in the execution environment."
		},
		"identical_failures": {
			"type": "boolean",
			"description": "True only when there are at least three failures on this task and they are identical (differing missing imports are not identical failures)."
		},
		"explanation": {
			"type": "string",
			"description": "One-sentence justification of the classification."
		}
	},
	"required": ["missing_tool", "identical_failures", "explanation"],
	"additionalProperties": false
}`)
