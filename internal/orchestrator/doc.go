// Package orchestrator is the prompt_engine entry point.
//
// # Overview
//
// An Engine turns one request into one response by running an ordered set
// of pipeline stages:
//
//	normalize → parse → attach → plan → framework → gates → begin → execute → format
//
// Any stage may end the run early by setting a response or returning an
// error, which becomes a structured error response.
//
// # Requests
//
// A request carrying a command starts a new execution. A single prompt
// renders in one round trip. A chain prompt, an inline chain (a --> b, a*3)
// or a single prompt whose gates need server-side enforcement starts a
// chain session, and every response then ends with the line the client
// uses to continue:
//
//	Step 2 of 3
//	prompt_engine(chain_id:"chain-review#1", step_index:1) to continue
//
// A request carrying chain_id resumes that session. The client sends the
// step output as user_response, a verdict as gate_verdict (or inside the
// output as GATE_REVIEW: PASS|FAIL - reason), or a gate_action of retry,
// skip or abort. force_restart starts a new run of the same chain id.
//
// # Concurrency
//
// Requests for the same chain id are serialized by the chain manager's
// lock, held from attach until the response is built. Requests for
// different chains run in parallel.
package orchestrator
