// Package dispatch batches chat messages per destination and delivers them
// with a temporary notification toggle around the batch.
//
// A message whose route carries no Mentions is sent as soon as it is
// enqueued. A message with Mentions waits in its destination's batch until
// Flush, which runs three phases over every pending destination:
//
//  1. enable: SetNotifiable(true) once per unique group of each destination
//  2. deliver: Send every message, in enqueue order within a destination
//  3. disable: SetNotifiable(false) on every group reached in phase 1
//
// All enables finish before the first delivery, and all deliveries finish
// before the first disable, so a group stays notifiable for as short a time
// as the batch allows.
package dispatch
