// Package harness runs validation scenarios against the offline
// compositor.
//
// # Scenario Format
//
// Scenarios are YAML files. A synthetic scenario declares displays,
// layers and a step script:
//
//	name: rotate_with_clone
//	description: "Clone follows the primary through a rotation"
//	displays:
//	  - {id: 0, width: 1080, height: 1920}
//	  - {id: 1, width: 1920, height: 1080}
//	layers:
//	  - name: video
//	    width: 640
//	    height: 360
//	    frame: [0, 0, 1080, 608]
//	    composition: OV
//	    clone: true
//	    pattern: {type: animated}
//	steps:
//	  - frames: 2
//	  - rotate: {display: 0, rotation: 90}
//	  - frames: 2
//	assertions:
//	  - {type: clone_count, count: 1}
//	  - {type: fence_leaks, count: 0}
//
// A trace scenario names a trace file and match mode instead of layers and
// steps:
//
//	trace: ../traces/renamed_buffers.trace
//	match_mode: frame
//
// # Assertion Types
//
//   - frame_count: frames submitted or dropped
//   - dropped_count: frames dropped by the drop rule
//   - clone_count: clones created, by propagation or replay
//   - fence_leaks: fence handles still open after teardown
//   - check_count: validation failures, optionally of one code
//   - replay_stats: one reconciler counter of a trace scenario
//   - submitted_contains: layer names, in order, in a submitted content list
//
// # Deterministic Testing
//
// Every run uses a fresh frame clock, a fixed run ID and a recording
// sleeper in place of replay delays, and records into an in-memory
// SQLite store unless one is supplied. The same scenario therefore
// produces the same compositor trace, which golden files compare.
package harness
