/*
Package httpserver runs the service's HTTP listener and its lifecycle
endpoints.

  - /livez always answers 200 while the process runs.
  - /readyz answers 503 while draining or while a registered readiness check fails.
  - /drain and /undrain toggle readiness for load balancer rotation.
  - /debug/pprof is mounted when EnablePprof is set.

Component routes are mounted with Mount. Handlers report failures through
WriteError, which maps interfaces.Error kinds to status codes and writes
api.ErrorResponse bodies. Prometheus metrics are served on a separate
listener.
*/
package httpserver
