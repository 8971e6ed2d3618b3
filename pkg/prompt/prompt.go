// Package prompt contains the canonical AGENTS.md snippet that teaches an
// orchestrating agent how to shape pi invocations and fan work out with pifan.
package prompt

const AgentsMDSection = `## Agent Orchestration (pifan)

This project uses pifan to run the ` + "`pi`" + ` coding agent as a subprocess: one-off questions, structured JSON runs, and parallel fan-outs whose outputs are merged into one document. Sub-agents start with **zero context** from this session. Whatever they need must be in the prompt.

### When to Fan Out

Fan out when the work splits into **independent questions** with **separate outputs**:
- Reviewing several packages or services for the same class of problem
- Summarizing many files or documents
- Getting second opinions from different models on the same question

### When NOT to Fan Out

Do the work directly when:
- The pieces **depend on each other** (job B needs job A's answer)
- The task needs **exploration** before it can even be described
- Several jobs would **edit the same files**

### The Task Template

Every prompt has four sections, always in this order:

` + "```" + `markdown
## Objective
What to do, in one or two sentences.

## Output Format
Exactly what to return: a bullet list, a table, a unified diff, a single word.

## Context
Only what the agent needs: file paths, signatures, the relevant excerpt.

## Boundaries
What not to touch. "Read only." "Do not modify tests." "Answer in under 200 words."
` + "```" + `

A vague objective produces unpredictable output. An empty output format is the most common reason merged results are hard to combine.

### Tool Scoping

Give each agent the smallest tool set that can do the job:

| Job | Flags |
|---|---|
| Pure reasoning over supplied text | ` + "`--no-tools`" + ` |
| Reading and searching code | ` + "`--tools read,grep,find,ls`" + ` |
| Editing files | ` + "`--tools read,edit,write`" + ` |
| Running commands | ` + "`--tools read,bash`" + ` |

` + "`--no-tools`" + ` wins over any allowlist. Use ` + "`--no-session`" + ` for throwaway runs so nothing is persisted.

### Context Compression

Do not broadcast everything you know. For each job:
- Pass file paths and let the agent read them, or attach only the excerpt it needs (` + "`--context-file`" + `, capped by ` + "`context_budget`" + `)
- Summarize earlier findings in a sentence instead of pasting them
- Drop anything the other jobs need but this one does not

### Fan-out and Merge

Write a plan file, run it, read one merged document:

` + "```" + `yaml
defaults:
  model: sonnet:low
  tools: [read, grep, find, ls]
  ephemeral: true
jobs:
  - name: api
    sink: api.md
    task:
      objective: List error-handling bugs in internal/api
      output_format: Bullet list, one bug per line with file:line
      context: Errors must be wrapped with fmt.Errorf and %w
      boundaries: Read only
  - name: store
    sink: store.md
    task:
      objective: List error-handling bugs in internal/store
      output_format: Bullet list, one bug per line with file:line
      context: Errors must be wrapped with fmt.Errorf and %w
      boundaries: Read only
merge:
  into: review.md
` + "```" + `

Every job writes its own sink. pifan waits for all of them before merging, so the merge never sees a half-written file. A failed job shows up in the merged document as ` + "`(failed: ...)`" + ` rather than disappearing.

### Commands

` + "```" + `bash
pifan render --objective "..." --format "..." --context "..." --boundaries "..."   # print a rendered task
pifan args --model sonnet:high --tools read,grep --objective "..."                 # show the pi command line
pifan run --model haiku --no-tools --sink answer.md --objective "..."              # one invocation
pifan fan plan.yaml --out runs/review                                              # fan out and merge
pifan fan plan.yaml --sequential                                                   # same jobs, one at a time
pifan status runs/review                                                           # per-job state of a run
pifan logs runs/review/api.md -f                                                   # follow a sink while it is written
pi -p --mode json "..." | pifan filter                                             # final text from a json stream
pifan models gemini                                                                # resolve a model selector
pifan rpc --model sonnet                                                           # interactive session over rpc mode
` + "```" + `
`

// Sentinel is the marker string used to detect if the pifan section
// has already been added to an AGENTS.md file.
const Sentinel = "## Agent Orchestration (pifan)"
