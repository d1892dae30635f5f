// Package scheduler owns the live daily triggers of weather subscriptions.
//
// Each subscription has at most one armed timer, keyed by room and id. A
// timer fires the dispatch callback with the subscription captured when it
// was armed, then re-arms itself for the next day unless it was canceled or
// replaced in the meantime. Next-fire arithmetic and the housekeeping jobs
// both go through robfig/cron.
package scheduler
