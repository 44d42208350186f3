// Package dispatch is the polling scheduler invoker.
//
// Each Run loads candidates, asks the evaluator which users are due, sends
// their digests through the pipeline with bounded concurrency, and advances
// last_sent_date only after the pipeline confirms a send. A scheduling run
// record is opened before any user is loaded and closed when the run ends,
// whatever happened in between.
//
// Run keeps no state between calls. Calling it twice at the same instant
// sends nothing the second time, because the first call's markers block it.
package dispatch
