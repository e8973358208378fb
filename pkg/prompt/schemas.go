package prompt

// ThinkSchema constrains the think-cycle response: a recommendations array
// plus a required summary, with an optional nextThinkIn override.
const ThinkSchema = `{
  "type": "object",
  "properties": {
    "recommendations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "project": {"type": "string"},
          "action": {"type": "string", "enum": ["start", "stop", "restart", "notify", "skip"]},
          "reason": {"type": "string"},
          "priority": {"type": "integer", "minimum": 1, "maximum": 5},
          "message": {"type": "string"},
          "prompt": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "notificationTier": {"type": "integer", "minimum": 1, "maximum": 4}
        },
        "required": ["project", "action", "reason"],
        "additionalProperties": false
      }
    },
    "summary": {"type": "string"},
    "nextThinkIn": {"type": "integer", "minimum": 60, "maximum": 1800}
  },
  "required": ["recommendations", "summary"],
  "additionalProperties": false
}`

// EvaluationSchema constrains the session-judge response.
const EvaluationSchema = `{
  "type": "object",
  "properties": {
    "score": {"type": "integer", "minimum": 1, "maximum": 5},
    "recommendation": {"type": "string", "enum": ["continue", "retry", "escalate", "complete"]},
    "accomplishments": {"type": "array", "items": {"type": "string"}},
    "failures": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"}
  },
  "required": ["score", "recommendation", "reasoning"],
  "additionalProperties": false
}`
