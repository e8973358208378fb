package prompt

// sectionSeparator joins the top-level prompt sections.
const sectionSeparator = "\n\n---\n\n"

// contextTruncatedMarker terminates a prompt that hit the length cap.
const contextTruncatedMarker = "\n[Context truncated]"

// recentDecisionCount is how many past decisions each prompt carries.
const recentDecisionCount = 5

const outputContract = `Respond with a single JSON object:
- "recommendations": array of {project, action, reason}; optional priority (1-5), message (for notify), prompt (for start/restart), confidence (0-1), notificationTier (1-4)
- "action" is one of: start, stop, restart, notify, skip
- "summary": one or two plain sentences for the operator
- "nextThinkIn": optional seconds until the next review (60-1800)
Recommend only what the context justifies. Prefer skip over speculative action. Never recommend actions on projects listed as do-not-touch.`

const digestInstructions = `Write the %s digest for the operator as a single SMS.
Plain text only, no markdown, under 1200 characters. Lead with anything that needs a human decision, then one line per project that moved, then a one-line outlook. Skip projects with nothing to report.`
