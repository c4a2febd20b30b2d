// Package health provides composable probes for the liveness and readiness
// endpoints of the ops listener.
//
// Probes combine with [All] and [Fixed]. [CheckFunc] adapts a plain
// function into a [Probe]. A [Gate] reports readiness of a batch run: it is
// closed while starting up, opened while the deployment runs, and closed
// again once it finishes.
package health
