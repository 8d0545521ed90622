// Package jobs arms declared jobs on the single-shot timer.
//
// Every firing is one timer registration. Recurring schedules (intervals and
// cron expressions) re-arm themselves from the firing callback, so the timer
// never needs a notion of repetition. Fired jobs run as executor tasks, and
// their results go to storage and the event bus.
package jobs
