package events

import (
	"fmt"
	"strings"

	"Go2NatPeer/internal/model"

	"github.com/golang/glog"
)

// LogSink writes each event as one log line.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(ev model.Event) error {
	glog.Info(Format(ev))
	return nil
}

func (LogSink) Close() error { return nil }

// Format renders an event on one line.
func Format(ev model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(%s) %s %s", ev.Stage, ev.Kind, ev.Tuple)
	if ev.MapPort != 0 {
		fmt.Fprintf(&b, " map_port=%d", ev.MapPort)
	}
	if ev.ProbeIndex >= 0 {
		fmt.Fprintf(&b, " pmi=%d", ev.ProbeIndex)
	}
	if ev.LocalSeq != 0 {
		fmt.Fprintf(&b, " local_seq=%d", ev.LocalSeq)
	}
	if ev.RemoteSeq != 0 {
		fmt.Fprintf(&b, " remote_seq=%d", ev.RemoteSeq)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, ": %s", ev.Message)
	}
	return b.String()
}
