// Package health provides composable probes for liveness and readiness and
// the HTTP handlers that expose them.
//
// Probes combine with [All] (AND) and [Any] (OR); [Fixed] is static and
// [CheckFunc] adapts a plain function. [ShutdownGate] fails readiness during
// drain so the load balancer stops routing before the listener closes.
package health
