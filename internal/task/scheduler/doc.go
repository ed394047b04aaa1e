// Package scheduler runs the housekeeping jobs of the bot (stale lease
// sweeps, counter snapshots) on cron or interval schedules.
//
// Jobs never overlap with themselves: a tick that fires while the previous
// run is still going is skipped and counted.
package scheduler
