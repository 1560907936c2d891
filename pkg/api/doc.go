// Package api is the HTTP boundary of the orchestrator.
//
// It serves four surfaces on one listener:
//
//   - POST /callback/{instanceId}/{eventName}?code=<key> receives provider
//     results and raises them as events on the waiting instance.
//   - /api/commands and /api/status poll, submit and cancel commands.
//   - /admin/functions/callback/keys manages the per-instance callback
//     keys and requires the master key.
//   - /metrics and /healthz for operations.
//
// Every route is traced with otelhttp. Errors are written as ErrorResult
// documents; internal faults never leak their message.
package api
