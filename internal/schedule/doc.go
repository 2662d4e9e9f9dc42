// Package schedule holds the outage schedule domain: certainty-tagged
// intervals, address keys, stored records, and the pure transforms the
// sync pipeline runs on them (interval building, merging, change detection
// and subscriber grouping).
package schedule
