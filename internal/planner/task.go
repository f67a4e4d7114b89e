package planner

import (
	"github.com/agentcore/planrunner/internal/llm"
	"github.com/agentcore/planrunner/internal/sqlengine"
)

// Artefact-directory document names for a planner's persisted state.
const (
	PlanDocName      = "execution_plan_model.json"
	TaskDocName      = "current_task.json"
	TablesDocName    = "tables.json"
	DocumentsDocName = "documents.json"
	FailuresDocName  = "failed_tasks.json"
)

// FileType classifies an input file for planner ingestion.
type FileType string

const (
	FileImage    FileType = "image"
	FileData     FileType = "data"
	FileDocument FileType = "document"
)

// File is one input file attached to a user turn, classified by the router.
type File struct {
	Filepath string   `json:"filepath"`
	FileType FileType `json:"file_type"`

	// Context is optional extra guidance for image files (what the image
	// shows, why it was attached).
	Context string `json:"context,omitempty"`
}

// InitialPlanningPayload is the execute_initial_planning task payload.
type InitialPlanningPayload struct {
	UserQuestion string `json:"user_question"`
	Instruction  string `json:"instruction"`
	Files        []File `json:"files,omitempty"`
	PlannerName  string `json:"planner_name,omitempty"`
	MessageID    string `json:"message_id"`
	RouterID     string `json:"router_id"`
}

// WorkerPayload is the worker_initialisation task payload.
type WorkerPayload struct {
	PlannerID string `json:"planner_id"`
}

// Task is the structured task a planner emits for its current todo; the
// worker-initialisation handler reads it back from the planner's artefact
// area (current_task.json).
type Task struct {
	// TaskID is assigned by the task-creation handler, not the LLM; it is
	// omitted from the structured-response schema.
	TaskID                 string   `json:"task_id,omitempty"`
	UserRequest            string   `json:"user_request"`
	TaskDescription        string   `json:"task_description"`
	AcceptanceCriteria     []string `json:"acceptance_criteria"`
	QueryingStructuredData bool     `json:"querying_structured_data"`
	ImageKeys              []string `json:"image_keys"`
	VariableKeys           []string `json:"variable_keys"`
	Tools                  []string `json:"tools"`
}

// TablesDoc persists the planner's ingested table metadata.
type TablesDoc struct {
	Tables []sqlengine.TableMeta `json:"tables"`
}

// DocumentsDoc persists the filepaths of attached documents so workers can
// open them through tools.
type DocumentsDoc struct {
	Filepaths []string `json:"filepaths"`
}

// FailuresDoc accumulates the descriptions of failed-validation tasks; the
// planner finalises with a failure-acknowledging answer once the list
// reaches the configured limit.
type FailuresDoc struct {
	Failed []string `json:"failed"`
}

// InitialPlanSchema constrains the first structured planning response.
var InitialPlanSchema = llm.MustSchema("InitialExecutionPlan", `{
	"type": "object",
	"properties": {
		"objective": {
			"type": "string",
			"description": "Overall goal description."
		},
		"todos": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Simple list of task descriptions, in execution order. Keep the list succinct; do not break actions that can be done in one step into multiple, nor create filler tasks."
		}
	},
	"required": ["objective", "todos"],
	"additionalProperties": false
}`)

// TaskSchema constrains the task-creation response.
var TaskSchema = llm.MustSchema("Task", `{
	"type": "object",
	"properties": {
		"user_request": {
			"type": "string",
			"description": "The original user request or question that this task contributes to answering."
		},
		"task_description": {
			"type": "string",
			"description": "A detailed description of the action that needs to be performed."
		},
		"acceptance_criteria": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Task-level criteria that must be satisfied for the task to be considered successful. Never save anything to file; images must be output as variables."
		},
		"querying_structured_data": {
			"type": "boolean",
			"description": "True only when data tables are available AND the task requires querying an existing data table sourced from a csv file."
		},
		"image_keys": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Keys of images relevant to the task."
		},
		"variable_keys": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Keys of variables relevant to the task."
		},
		"tools": {
			"type": "array",
			"items": {"type": "string"},
			"description": "Names of the tools required to perform the task. Empty when no tools are required."
		}
	},
	"required": ["user_request", "task_description", "acceptance_criteria", "querying_structured_data", "image_keys", "variable_keys", "tools"],
	"additionalProperties": false
}`)

// PlanRevisionSchema constrains the synthesis-time plan revision. The LLM
// only ever sees the open todos, so the revision carries open entries plus
// any new ones; completed and obsolete entries are merged back by the
// caller.
var PlanRevisionSchema = llm.MustSchema("ExecutionPlanRevision", `{
	"type": "object",
	"properties": {
		"objective": {
			"type": "string",
			"description": "Overall objective of the execution plan. Leave empty to keep the current objective."
		},
		"todos": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"description": {
						"type": "string",
						"description": "Original task description. Append ' (new)' for newly added tasks."
					},
					"updated_description": {
						"type": "string",
						"description": "Updated description when changed, empty otherwise."
					},
					"next_action": {
						"type": "boolean",
						"description": "Leave false; separate logic selects the next action."
					},
					"completed": {
						"type": "boolean",
						"description": "True when the todo has been completed by previous task execution or is no longer needed."
					},
					"obsolete": {
						"type": "boolean",
						"description": "Mark for removal from the plan."
					}
				},
				"required": ["description", "updated_description", "next_action", "completed", "obsolete"],
				"additionalProperties": false
			},
			"description": "The revised open todo list, in order. Can be empty when no work remains."
		}
	},
	"required": ["objective", "todos"],
	"additionalProperties": false
}`)
