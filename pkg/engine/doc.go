// Package engine implements the TeamCloud command orchestration lifecycle
// on top of the durable workflow host in package workflow.
//
// # Overview
//
// A command targets a project and is fanned out to every provider that
// applies to it. Each provider runs in its own sub-workflow that posts the
// command, then suspends until the provider reports a terminal result
// through the callback endpoint or its timeout elapses. The parent
// orchestration holds the project's document lock for the whole exchange,
// merges the provider outputs into the project and persists it.
//
//	Submit ─► CommandOrchestration
//	            ├─ Lock("project/<id>")
//	            ├─ ProjectGetActivity
//	            ├─ CommandSendOrchestration × N   (fan-out)
//	            │    ├─ CallbackUrlGetActivity
//	            │    ├─ CommandSendActivity
//	            │    ├─ WaitForEvent(<commandId>) until terminal
//	            │    ├─ CommandResultAugmentActivity
//	            │    └─ CallbackInvalidateActivity
//	            ├─ MergeOutputs                   (fan-in)
//	            └─ ProjectSetActivity / ProjectCreateActivity / ProjectDeleteActivity
//
// # Results
//
// CommandResult is mutable until its RuntimeStatus is terminal. Polling
// clients read it through Orchestrator.Query, which reconstructs it from
// the instance's recorded output or, while the command is in flight, from
// its recorded input. StatusResponseFor maps a result to the status
// endpoint's response.
//
// # Errors
//
// Failures are classified with EngineError. Provider failures are not
// returned as errors; they are recorded in CommandResult.Errors and the
// command ends failed with its result preserved.
package engine
