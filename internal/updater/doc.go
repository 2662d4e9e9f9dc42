// Package updater is the update stage of the pipeline.
//
// A Processor turns one UpdateTask into at most one stored schedule change
// plus one NotificationTask per subscriber of the address. A Producer builds
// the UpdateTasks from the subscriber list.
package updater
