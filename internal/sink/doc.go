// Package sink dispatches fire-and-forget messages sent by minions.
//
// Sink messages carry a module id and opaque content. The Dispatcher routes each
// message to the consumer registered for its module, drops repeats of a message id
// seen recently from the same minion, and runs consumers on a bounded pool so a
// slow consumer cannot stall the minion's stream.
package sink
