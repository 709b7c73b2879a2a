// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package comms

import "expvar"

// commMetrics record endpoint activity counters.
type metrics struct {
	msgRecv        expvar.Int
	msgSent        expvar.Int
	msgDropped     expvar.Int
	callIn         expvar.Int // number of inbound calls received
	callInErr      expvar.Int // number of inbound calls reporting an error
	callOut        expvar.Int // number of outbound calls initiated
	callOutErr     expvar.Int // number of outbound calls reporting an error
	callActive     expvar.Int // inbound, currently executing
	callPending    expvar.Int // outbound, awaiting a reply
	replyUnmatched expvar.Int // replies with no outstanding call entry

	emap *expvar.Map
}

var commMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("replies_unmatched", &m.replyUnmatched)
	return m
}

// Metrics returns a metrics map for the endpoint. It is safe for the caller
// to add additional metrics to the map while the endpoint is active. Metrics
// are shared among all endpoints in the process.
func (e *Endpoint) Metrics() *expvar.Map { return commMetrics.emap }
