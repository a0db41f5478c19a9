package prompt

const decideTemplate = `# Supervisor decision: {{project}}

You are deciding the next step for an autonomous coding session that a
supervisor keeps moving. Pick exactly one action.

## Session
State: {{state}}
Phase: {{phase}} ({{phase_position}})
Todos: {{todos_completed}}/{{todos_total}} complete
Idle for: {{idle}}
Input field available: {{has_input}}
{{#if errors}}

## Errors
{{errors}}
{{/if}}
{{#if warnings}}

## Warnings
{{warnings}}
{{/if}}
{{#if recent_output}}

## Recent session output
{{recent_output}}
{{/if}}

## Project settings
auto_progress: {{auto_progress}}
auto_commit: {{auto_commit}}
require_approval: {{require_approval}}
continue command: {{continue_command}}
{{#if skills}}

## Available skills
{{skills}}
{{/if}}
{{#if history}}

## Recent decisions (oldest first)
{{history}}
{{/if}}

## Actions
- continue: send a command telling the session to keep working
- use_skill: send the command for one of the skills above (set skill_ref)
- notify: escalate to a human and take no automated action
- phase_transition: the phase is complete; commit and move on
- wait: do nothing this cycle

Reply with one JSON object:
{"action": "...", "command": "...", "skill_ref": "...", "reasoning": "...", "confidence": 0.0}
`
