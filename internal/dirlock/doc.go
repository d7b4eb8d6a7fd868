// Package dirlock guards a coven-fleet data directory with an advisory file lock.
package dirlock
