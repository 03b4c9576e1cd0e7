package sim

import (
	"github.com/sirupsen/logrus"
)

// NotificationKind identifies a discrete event surfaced to the host.
type NotificationKind string

const (
	NotifyCapacityExceeded  NotificationKind = "capacity_exceeded" // pre-run estimate
	NotifyTimeoutRisk       NotificationKind = "timeout_risk"      // pre-run estimate
	NotifyCapacityThreshold NotificationKind = "capacity_threshold"
	NotifyStarted           NotificationKind = "started"
	NotifyProgress          NotificationKind = "progress"
	NotifyCompleted         NotificationKind = "completed"
	NotifyCancelled         NotificationKind = "cancelled"
	NotifyTimedOut          NotificationKind = "timed_out"
	NotifyFailed            NotificationKind = "failed"
	NotifyExportProgress    NotificationKind = "export_progress"
	NotifyExportSucceeded   NotificationKind = "export_succeeded"
	NotifyExportFailed      NotificationKind = "export_failed"
)

// Notification is one message to the host observability surface.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	Status      string           `json:"status,omitempty"`
	Message     string           `json:"message,omitempty"`
	Percent     float64          `json:"percent,omitempty"`
	SimTime     float64          `json:"sim_time,omitempty"`
	Source      string           `json:"source,omitempty"`
	Threshold   int              `json:"threshold,omitempty"`
	Recommended int              `json:"recommended,omitempty"`
	Rows        int              `json:"rows,omitempty"`
	Total       int              `json:"total,omitempty"`
}

// Notifier receives notifications. Implementations must be safe for
// concurrent use: capacity advisories arrive on the simulation worker while
// progress arrives on the poller.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// MultiNotifier fans a notification out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// LogNotifier writes notifications to a structured logger.
// Progress and export progress go to Debug to keep the log readable.
type LogNotifier struct {
	Log *logrus.Entry
}

func (l LogNotifier) Notify(n Notification) {
	entry := l.Log
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	entry = entry.WithField("kind", n.Kind)
	if n.Source != "" {
		entry = entry.WithField("source", n.Source)
	}
	switch n.Kind {
	case NotifyProgress, NotifyExportProgress:
		entry.Debugf("%s %.1f%% (t=%.1f rows=%d/%d)", n.Status, n.Percent, n.SimTime, n.Rows, n.Total)
	case NotifyCapacityThreshold:
		if n.Threshold >= 100 {
			entry.Error(n.Message)
		} else {
			entry.Warn(n.Message)
		}
	case NotifyCapacityExceeded, NotifyTimeoutRisk, NotifyCancelled, NotifyTimedOut:
		entry.Warn(n.Message)
	case NotifyFailed, NotifyExportFailed:
		entry.Error(n.Message)
	default:
		entry.Info(n.Message)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

// loggerOrDefault returns log, or a standard-logger entry tagged with component.
func loggerOrDefault(log *logrus.Entry, component string) *logrus.Entry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return log.WithField("component", component)
}
