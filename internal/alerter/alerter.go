// Package alerter watches engine counters and notifies operators when one
// grows too fast.
package alerter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

// Source returns the current value of every counter.
type Source func() map[string]uint64

// Alerter evaluates counter growth against the configured rules every
// check interval and sends one consolidated notification per interval.
type Alerter struct {
	source        Source
	rules         []config.AlerterRule
	notifier      model.Notifier
	checkInterval time.Duration
	clock         clock.Clock

	mu   sync.Mutex
	prev map[string]uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAlerter creates a new Alerter instance. A nil clk uses the wall clock.
func NewAlerter(cfg *config.AlerterConfig, source Source, notifier model.Notifier, clk clock.Clock) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("check_interval for alerter must be positive, got %s", interval)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Alerter{
		source:        source,
		rules:         cfg.Rules,
		notifier:      notifier,
		checkInterval: interval,
		clock:         clk,
		prev:          source(),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start runs the evaluation loop in its own goroutine.
func (a *Alerter) Start() {
	glog.Infof("Alerter started with %d rule(s), interval %s", len(a.rules), a.checkInterval)
	ticker := a.clock.Ticker(a.checkInterval)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Check()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Stop ends the loop and runs one last check.
func (a *Alerter) Stop() {
	glog.Info("Stopping Alerter...")
	close(a.stopChan)
	a.wg.Wait()
	a.Check()
}

// Evaluate returns one message per rule whose counter grew by more than its
// threshold since the previous evaluation.
func (a *Alerter) Evaluate() []string {
	cur := a.source()
	a.mu.Lock()
	delta := metrics.Delta(cur, a.prev)
	a.prev = cur
	a.mu.Unlock()

	var msgs []string
	for _, rule := range a.rules {
		if d := delta[rule.Counter]; d > rule.Threshold {
			msgs = append(msgs, fmt.Sprintf("%s: %s grew by %d (threshold %d)", rule.Name, rule.Counter, d, rule.Threshold))
		}
	}
	sort.Strings(msgs)
	return msgs
}

// Check evaluates the rules and sends a notification if any fired.
func (a *Alerter) Check() {
	msgs := a.Evaluate()
	if len(msgs) == 0 {
		return
	}
	glog.Warningf("Alerter evaluation completed. %d alert(s) triggered.", len(msgs))
	if a.notifier == nil {
		return
	}

	body := "<h1>Go2NatPeer Alert Summary</h1>" +
		"<p>The following alerts were triggered during the last check:</p><ul><li>" +
		strings.Join(msgs, "</li><li>") + "</li></ul>"
	subject := fmt.Sprintf("Go2NatPeer Alert Summary (%d Triggered)", len(msgs))
	if err := a.notifier.Send(subject, body); err != nil {
		glog.Errorf("Failed to send consolidated alert notification: %v", err)
	} else {
		glog.Info("Consolidated alert notification sent successfully.")
	}
}
