// Package worker supervises the automation job, one task at a time.
//
// Data flow:
//
//	Queue            Worker                 Process{cmd}         Classifier
//	  |                 |                        |                    |
//	  | Pop() --------->| lease(identity)        |                    |
//	  |                 | Start() -------------->| own process group  |
//	  |                 |<------- Lines() -------| stdout+stderr pipe |
//	  |                 | Feed(line) ------------------------------->|
//	  |                 |<------------------------------ Abort -------|
//	  |                 | Kill(), Wait() ------->|                    |
//	  |                 | Destroy(identity)      |                    |
//	  |                 |                        |                    |
//	  |                 | otherwise: Wait(), profile cleanup, Finish()|
//
// Invariants:
//   - One task at a time per Worker, scale by running more workers.
//   - The secret reaches the job through its environment only.
//   - The job is reaped on every path, killed as a whole group.
//   - No line is classified after a fatal one.
//   - A per-identity lease keeps two workers off the same account.
package worker
