// Package refund drives the refund lifecycle from customer request to
// gateway settlement.
//
// A request optimistically cancels its booking before any admin decision,
// freeing the spots immediately; rejection compensates by restoring the
// booking to CONFIRMED. Approval and processing are coupled: approving a
// refund immediately runs one settlement attempt through the
// payment-gateway circuit breaker, ending in PROCESSED or FAILED. FAILED is
// terminal and is not retried; the customer submits a fresh request.
//
// Every status change is a row-locked transition, so concurrent decisions
// on the same refund serialize and at most one wins. A partial unique index
// keeps each booking to one refund in a non-terminal status.
package refund
