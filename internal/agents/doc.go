// Package agents implements the concrete handler kinds a capability can be
// bound to and registers them from configuration.
//
// Every kind speaks the same envelope. A handler receives a Request
// carrying the task, its context slice, skill blobs and budget grant, and
// answers with a Response holding either a payload and the units it
// consumed or a classified error:
//
//	{"task": {...}, "context": {"spec": "..."}, "budget": {"phase": "GREEN", "units": 1200}}
//	{"payload": {"output": "..."}, "units_consumed": 840}
//	{"error": {"class": "Transient", "message": "rate limited"}}
//
// Kinds:
//   - exec: a subprocess reading the request on stdin and writing the
//     response on stdout. Exit code 75 (EX_TEMPFAIL) is Transient.
//   - mcp: a tool call on an MCP server started over stdio.
//   - temporal: one workflow execution per delegation.
//   - static: a configured payload, for dry runs.
package agents
