// Package engine orchestrates the pipeline. It consolidates:
//   - the stage registry and watch rule routing (registry.go)
//   - the two-phase scheduler (scheduler.go)
//   - the watch controller (controller.go)
//   - dependency wiring (factory.go)
//   - panic-safe job groups (safegroup.go)
package engine
