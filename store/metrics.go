package store

import "sync/atomic"

type MetricsSnapshot struct {
	MessagesAccepted int64
	MessagesRejected int64
	Broadcasts       int64
	DriverReceives   int64
	CallbackFailures int64
	Exceptions       int64
}

type Metrics struct {
	messagesAccepted atomic.Int64
	messagesRejected atomic.Int64
	broadcasts       atomic.Int64
	driverReceives   atomic.Int64
	callbackFailures atomic.Int64
	exceptions       atomic.Int64
}

func (m *Metrics) RecordMessage(accepted bool) {
	if accepted {
		m.messagesAccepted.Add(1)
	} else {
		m.messagesRejected.Add(1)
	}
}

func (m *Metrics) RecordBroadcast(delta int) {
	m.broadcasts.Add(int64(delta))
}

func (m *Metrics) RecordDriverReceive() {
	m.driverReceives.Add(1)
}

func (m *Metrics) RecordCallbackFailure() {
	m.callbackFailures.Add(1)
}

func (m *Metrics) RecordException() {
	m.exceptions.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesAccepted: m.messagesAccepted.Load(),
		MessagesRejected: m.messagesRejected.Load(),
		Broadcasts:       m.broadcasts.Load(),
		DriverReceives:   m.driverReceives.Load(),
		CallbackFailures: m.callbackFailures.Load(),
		Exceptions:       m.exceptions.Load(),
	}
}
