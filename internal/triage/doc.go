// Package triage is the decision core of Steward. It defines the Controller
// (polling, dedup, per-message pipeline, retries, lifecycle), the pure Decide
// routing function, the Recorder and Store interface for interaction records
// and counters, and the adapter interfaces the pipeline calls out to.
package triage
