// Package workflow is a small durable workflow runtime.
//
// A workflow is ordinary Go code that receives a *Context. Every call that
// leaves the workflow (activities, sub-workflows, external events, locks,
// reading the clock) goes through the Context and is recorded in a Journal
// exactly once, keyed by a sequence number that is assigned synchronously
// when the call is made. When an instance is resumed after a restart its
// function is executed again from the top and every recorded call is served
// from the journal instead of being performed again. Workflow code must
// therefore be deterministic: the same input and the same recorded results
// must produce the same sequence of calls.
//
// # Lifecycle
//
// An instance moves through the statuses pending, running and, optionally,
// continued_as_new before ending in one of the terminal statuses completed,
// failed, canceled or terminated. Terminal statuses are final.
//
// Cancel is cooperative: it takes effect the next time the workflow waits
// on a Future or a lock. Terminate is forceful: the status is persisted
// immediately and the running function is abandoned.
//
// # External events
//
// RaiseEvent stores the event in the instance inbox and then notifies any
// waiter. Events raised before the workflow starts waiting are kept and
// delivered in arrival order to the first matching wait.
//
// # Example
//
//	host, _ := workflow.NewHost(workflow.Options{Journal: workflow.NewMemoryJournal()})
//	host.RegisterActivity("greet", workflow.ActivityOf(func(ctx context.Context, name string) (string, error) {
//	    return "hello " + name, nil
//	}))
//	host.RegisterWorkflow("hello", workflow.WorkflowOf(func(ctx *workflow.Context, name string) (string, error) {
//	    var greeting string
//	    err := ctx.CallActivity("greet", name).Get(&greeting)
//	    return greeting, err
//	}))
//	id, _ := host.Start(ctx, "hello", "", "world")
package workflow
