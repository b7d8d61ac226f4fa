// Package trigger is the per-member timer engine: one-shot, repeating and
// cron triggers kept in a min-heap and fired on the engine worker pool.
//
// Fires of one job key never overlap. A fire that comes due while its job
// is still running is held and released once the running fire completes.
package trigger
