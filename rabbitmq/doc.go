// Package rabbitmq publishes the core's domain events to a durable topic
// exchange: capacity changes from the ledger and refund lifecycle events
// consumed by the notification service. Publishing is best effort from the
// caller's perspective; broker trouble is logged and absorbed here.
package rabbitmq
