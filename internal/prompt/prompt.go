// Package prompt holds the system-prompt vocabulary constant that
// internal/mcpserver registers as the "lcm-instructions" MCP prompt: the verb
// vocabulary and id schemes in one place. The injection block (spec §4.F)
// and the RPC tool descriptions (spec §4.G) carry their own text and do not
// read it. Grounded in internal-lcm-prompt.go.go's LCMSystemPrompt,
// trimmed to this port's six-verb surface (status/grep/describe/expand/
// llm_map/agentic_map) and its integer/S/F id scheme.
package prompt

// LCMInstructions is registered as an MCP prompt/resource (spec §9
// supplemented feature) so the host always documents the same vocabulary to
// its model, whichever tool it reaches for first.
const LCMInstructions = `
<lcm_instructions>
# Lossless Context Management (LCM)

Your conversation history is preserved in full by a context-management engine
running beside this session. As the conversation grows, older messages are
condensed into summaries; nothing is discarded. Use the tools below to
navigate from a summary back down to the original messages it covers.

## IDs

- A bare integer ("42") names a message.
- "S" + integer ("S17") names a summary — a node in the summary DAG covering
  a contiguous run of either messages (a leaf) or lower-level summaries
  (condensed).
- "F" + integer ("F3") names a file reference — a large tool-result blob
  stored out of line and pointed to from the message that produced it.

## Tools

### status
Report message/summary counts, token totals, and DAG depth for the session.

### grep
Search conversation history by full-text query (mode "fts") or regular
expression (mode "regex"), scoped to messages, summaries, or both. Results
are grouped by covering summary and paginated.

### describe
Return metadata for any id: covered transcript range, parent, child count,
token estimate, creation time.

### expand
Return the ordered immediate children of a summary id — message ids for a
leaf, child summary ids for a condensed summary — each with a short preview.
Recurse to walk deeper into the DAG.

### llm_map
Apply one LLM call per item of a JSONL file: summarization or classification.
Use for simple, stateless, per-item transformations.

### agentic_map
Run a bounded tool-calling agent once per item of a JSONL file. Use when an
item needs multi-step reasoning or tool use to process.

Results larger than the large-blob threshold are stored as a file reference
and returned as a pointer rather than inlined.
</lcm_instructions>
`
