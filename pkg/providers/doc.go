// Package providers delivers provider commands over HTTP.
//
// A provider is an independently operated HTTP endpoint. Client posts the
// JSON encoded ProviderCommand to the provider's URL with the provider's
// auth code in the X-Functions-Key header. The provider either answers with
// a CommandResult (200) or accepts the command (202) and later reports
// progress and the terminal result to the command's callback URL.
//
// Connection failures, 429 and 5xx responses are retried with backoff and
// surface as transient errors once the retries are exhausted. Any other
// status is a provider failure.
package providers
