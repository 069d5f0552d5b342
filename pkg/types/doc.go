// Package types defines the core data structures for the coordination engine.
//
// This package contains all the fundamental types shared across the
// coordinator, including:
//   - Task and execution slot descriptors
//   - Bus envelopes and their payload variants
//   - Workflow definitions, instances and checkpoints
//   - Escalation tickets and recipient chains
//   - The coordination error taxonomy
package types
