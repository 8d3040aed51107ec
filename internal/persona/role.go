package persona

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fentz26/cascade/internal/models"
)

// Role is one persona the orchestrator can call.
type Role int

const (
	RolePlanner Role = iota
	RoleDelegator
	RoleArchitect
	RoleVerifier
	RoleResearcher
	RoleEngineer
	RoleAnalyst
	RoleRepair
	RoleFailureResolution
	RoleQA
	RoleAuditor
)

// Roles lists every persona in declaration order.
var Roles = []Role{
	RolePlanner, RoleDelegator, RoleArchitect, RoleVerifier, RoleResearcher, RoleEngineer,
	RoleAnalyst, RoleRepair, RoleFailureResolution, RoleQA, RoleAuditor,
}

type roleSpec struct {
	name        string
	channel     models.Channel
	instruction string
	schema      string

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

const commandSchema = `{
  "type": "object",
  "required": ["executable"],
  "properties": {
    "id": {"type": ["string", "null"]},
    "description": {"type": ["string", "null"]},
    "executable": {"type": "string", "minLength": 1},
    "arguments": {"type": ["array", "null"], "items": {"type": "string"}},
    "workingDirectory": {"type": ["string", "null"]},
    "dangerLevel": {"type": ["string", "null"]},
    "expectedExitCode": {"type": ["integer", "null"]},
    "runInBackground": {"type": ["boolean", "null"]},
    "maxRunSeconds": {"type": ["integer", "null"]}
  }
}`

const newTaskSchema = `{
  "type": "object",
  "required": ["intent"],
  "properties": {
    "intent": {"type": "string", "minLength": 1},
    "type": {"type": "string"},
    "notes": {"type": "string"},
    "commands": {"type": "array", "items": ` + commandSchema + `}
  }
}`

const factSchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "detail": {"type": "string"},
    "file": {"type": "string"}
  }
}`

const commandShape = `{"id": "...", "description": "...", "executable": "...", "arguments": ["..."], ` +
	`"workingDirectory": "relative/path or empty", "dangerLevel": "safe|dangerous|critical", ` +
	`"expectedExitCode": 0, "runInBackground": false, "maxRunSeconds": 120}`

const jsonOnly = "Reply with a single JSON object and nothing else."

var specs = map[Role]*roleSpec{
	RolePlanner: {
		name:    "planner",
		channel: models.ChannelPlanner,
		instruction: `You are the planner of an autonomous engineering agent working inside one workspace directory.
Break the assignment into a short ordered list of concrete tasks. Give each task a stable id; list the ids it
depends on. Attach commands only when the exact commands are obvious. Prefer few, well-scoped tasks.
Task type is one of "phase" (a group of related work), "worker" (leaf work) or "research" (information gathering).
Shape: {"answer": "one-paragraph answer to the operator", "explanation": "...", "tasks": [{"id": "...",
"label": "...", "type": "phase|worker|research", "description": "...", "context": "...", "priority": 1,
"phase": "...", "contextTags": ["..."], "dependencies": ["task id"], "commands": [` + commandShape + `]}]}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "answer": {"type": "string"},
    "explanation": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "label": {"type": "string"},
          "type": {"type": "string"},
          "description": {"type": "string"},
          "context": {"type": "string"},
          "priority": {"type": ["integer", "string", "null"]},
          "phase": {"type": "string"},
          "contextTags": {"type": "array", "items": {"type": "string"}},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "commands": {"type": "array", "items": ` + commandSchema + `}
        },
        "anyOf": [{"required": ["label"]}, {"required": ["description"]}]
      }
    }
  }
}`,
	},
	RoleDelegator: {
		name:    "delegator",
		channel: models.ChannelPlanner,
		instruction: `You decide how one task is handled. Strategies: "skip" (already done or unnecessary),
"research" (facts are missing), "execute" (do it now with commands), "decompose" (split into child tasks).
Respect the work budget: a task with a small delegation share should execute itself.
Shape: {"strategy": "skip|research|execute|decompose", "reason": "...", "notes": "..."}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["strategy"],
  "properties": {
    "strategy": {"type": "string", "minLength": 1},
    "reason": {"type": "string"},
    "notes": {"type": "string"}
  }
}`,
	},
	RoleArchitect: {
		name:    "architect",
		channel: models.ChannelPlanner,
		instruction: `You split one task into the smallest set of child tasks that together complete it.
Children must not repeat work that sibling or ancestor tasks already cover.
Shape: {"subtasks": [{"intent": "...", "type": "phase|worker|research", "notes": "...", "phase": "..."}]}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["subtasks"],
  "properties": {
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["intent"],
        "properties": {
          "intent": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "notes": {"type": "string"},
          "phase": {"type": "string"}
        }
      }
    }
  }
}`,
	},
	RoleVerifier: {
		name:    "verifier",
		channel: models.ChannelPlanner,
		instruction: `You review proposed child tasks. Accept the ones that are needed, reject redundant or
out-of-scope ones, and merge near-duplicates into a single accepted intent.
Shape: {"accepted": ["intent", "..."], "rejected": [{"intent": "...", "reason": "..."}], "notes": "..."}
` + jsonOnly,
		schema: `{
  "type": "object",
  "properties": {
    "accepted": {"type": "array", "items": {"type": "string"}},
    "rejected": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["intent"],
        "properties": {"intent": {"type": "string"}, "reason": {"type": "string"}}
      }
    },
    "notes": {"type": "string"}
  }
}`,
	},
	RoleResearcher: {
		name:    "researcher",
		channel: models.ChannelGeneral,
		instruction: `You gather the facts a task needs from what is already known about the workspace and the
assignment. State only what you are confident about.
Shape: {"facts": [{"summary": "...", "detail": "...", "file": "optional path"}], "summary": "..."}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["facts"],
  "properties": {
    "facts": {"type": "array", "items": ` + factSchema + `},
    "summary": {"type": "string"}
  }
}`,
	},
	RoleEngineer: {
		name:    "engineer",
		channel: models.ChannelPlanner,
		instruction: `You write the OS commands that complete one task in the workspace. Commands run without a
shell unless you name one as the executable. Working directories are relative to the workspace.
Declare dangerLevel honestly: "safe" for reads and new files, "dangerous" for overwrites, installs or network,
"critical" for deletions outside build output or anything irreversible.
Shape: {"commands": [` + commandShape + `], "notes": "..."}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["commands"],
  "properties": {
    "commands": {"type": "array", "items": ` + commandSchema + `},
    "notes": {"type": "string"}
  }
}`,
	},
	RoleAnalyst: {
		name:    "analyst",
		channel: models.ChannelGeneral,
		instruction: `You read raw command output and record what it proves as short facts. Return an empty list
when nothing new was learned.
Shape: {"facts": [{"summary": "...", "detail": "...", "file": "optional path"}], "summary": "..."}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["facts"],
  "properties": {
    "facts": {"type": "array", "items": ` + factSchema + `},
    "summary": {"type": "string"}
  }
}`,
	},
	RoleRepair: {
		name:    "repair",
		channel: models.ChannelRepair,
		instruction: `A command batch failed. Decide how to repair it: "retry" with replacement commands,
"new_tasks" to add child tasks that fix the cause, or "abandon" when it cannot be repaired.
Shape: {"repairDecision": "retry|new_tasks|abandon", "reason": "...", "replacementCommands": [` + commandShape + `],
"newTasks": [{"intent": "...", "type": "worker", "notes": "...", "commands": []}]}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["repairDecision"],
  "properties": {
    "repairDecision": {"type": "string"},
    "reason": {"type": "string"},
    "replacementCommands": {"type": "array", "items": ` + commandSchema + `},
    "newTasks": {"type": "array", "items": ` + newTaskSchema + `}
  }
}`,
	},
	RoleFailureResolution: {
		name:    "failure-resolution",
		channel: models.ChannelFailureResolution,
		instruction: `A task could not be completed. Decide whether the assignment can "continue" without it,
should "compensate" with new tasks that achieve the goal another way, or must "escalate".
Set allowsDependentsToProceed when tasks depending on this one can still run.
Shape: {"resolutionDecision": "continue|compensate|escalate", "reason": "...", "allowsDependentsToProceed": false,
"notes": "...", "newTasks": [{"intent": "...", "type": "worker", "notes": "...", "commands": []}]}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["resolutionDecision"],
  "properties": {
    "resolutionDecision": {"type": "string"},
    "reason": {"type": "string"},
    "allowsDependentsToProceed": {"type": "boolean"},
    "notes": {"type": "string"},
    "newTasks": {"type": "array", "items": ` + newTaskSchema + `}
  }
}`,
	},
	RoleQA: {
		name:    "qa",
		channel: models.ChannelGeneral,
		instruction: `You define how to tell whether the assignment succeeded. Produce two to five checkable
heuristics; mark the ones the assignment cannot succeed without as mandatory.
Shape: {"heuristics": [{"description": "...", "mandatory": true, "evidence": "what to look at"}]}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["heuristics"],
  "properties": {
    "heuristics": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "mandatory": {"type": "boolean"},
          "evidence": {"type": "string"}
        }
      }
    }
  }
}`,
	},
	RoleAuditor: {
		name:    "auditor",
		channel: models.ChannelGeneral,
		instruction: `You judge each numbered heuristic against the final evidence of the run. Index is the
zero-based heuristic number. Be strict: a heuristic without supporting evidence did not pass.
Shape: {"summary": "...", "heuristics": [{"index": 0, "passed": true, "notes": "..."}]}
` + jsonOnly,
		schema: `{
  "type": "object",
  "required": ["heuristics"],
  "properties": {
    "summary": {"type": "string"},
    "heuristics": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["index", "passed"],
        "properties": {
          "index": {"type": "integer", "minimum": 0},
          "passed": {"type": "boolean"},
          "notes": {"type": "string"}
        }
      }
    }
  }
}`,
	},
}

func (r Role) spec() *roleSpec {
	if s, ok := specs[r]; ok {
		return s
	}
	panic(fmt.Sprintf("persona: unknown role %d", int(r)))
}

func (r Role) String() string {
	if s, ok := specs[r]; ok {
		return s.name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Channel is the usage channel requests for this role are counted on.
func (r Role) Channel() models.Channel {
	return r.spec().channel
}

// Instruction is the system message sent with every request.
func (r Role) Instruction() string {
	return r.spec().instruction
}

// Schema returns the compiled reply schema.
func (r Role) Schema() (*jsonschema.Schema, error) {
	s := r.spec()
	s.once.Do(func() {
		url := s.name + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(s.schema))
		if err != nil {
			s.err = fmt.Errorf("unmarshal %s schema: %w", s.name, err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, doc); err != nil {
			s.err = fmt.Errorf("add %s schema: %w", s.name, err)
			return
		}
		s.compiled, s.err = c.Compile(url)
		if s.err != nil {
			s.err = fmt.Errorf("compile %s schema: %w", s.name, s.err)
		}
	})
	return s.compiled, s.err
}
