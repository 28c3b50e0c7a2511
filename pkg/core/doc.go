// Package core defines the shared language of the liheap pipeline.
//
// This package contains:
//   - Record types passed between stages (RawRecord, CanonicalRecord,
//     EnrichedRecord, AggregatedRecord)
//   - The canonical join key (JoinKey, Period)
//   - Validation rules and violations
//   - The error taxonomy (SchemaError, KeyResolutionError, ...)
//   - Run-state interfaces (Store, Run, StageRun)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
