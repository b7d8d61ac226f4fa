// Package cluster holds the collaborator interfaces the scheduler consumes
// (ownership, membership, eligibility) and small implementations of them:
// a static HTTP membership, a hash-based ownership directory and a
// config-driven eligibility policy.
//
// Members exchange Task messages as JSON over POST /cluster/task. There is
// no acknowledgement protocol; submission is fire-and-forget.
package cluster
