// Package httpmw provides HTTP middleware for the public listener.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client identity, admission control, tracing,
// trace headers, metrics, request-scoped logging, then the chi router with
// access logging and body limits.
//
// Query strings, user agents and form bodies are kept out of logs. Leads
// carry personal data.
package httpmw
