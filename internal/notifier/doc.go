// Package notifier is the notification stage of the pipeline.
//
// A Dispatcher renders one NotificationTask, sends it to the subscriber's
// chat under a shared rate limit and classifies the outcome once:
// blocked and malformed sends are dropped, rate-limited and unknown
// failures are returned as *DeliveryError so the queue redelivers them.
package notifier
