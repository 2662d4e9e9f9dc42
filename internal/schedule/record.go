package schedule

import "time"

// Record is the stored schedule of one address. Stores replace it as a
// whole; Version guards concurrent writers.
type Record struct {
	Key           Key        `json:"key"`
	Alias         string     `json:"alias"`
	Intervals     []Interval `json:"intervals"`
	LastUpdatedAt time.Time  `json:"lastUpdatedAt"`
	Version       int64      `json:"version"`
	// NotifyPending is set while subscribers have not yet been told about
	// this version.
	NotifyPending bool `json:"notifyPending,omitempty"`
}

// Subscriber is a chat user. Empty SubscriptionArgs means no subscription.
type Subscriber struct {
	UserID           int64  `json:"userId"`
	SubscriptionArgs string `json:"subscriptionArgs,omitempty"`
	Alias            string `json:"alias,omitempty"`
}
