package alert

import (
	"context"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bitstamp-broker/internal/core"
)

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Alert is one queued notification. Notifiers decide how to render it.
type Alert struct {
	Event    string
	Time     time.Time
	Mode     string
	Instance string
	Fields   map[string]string
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// PartialFills also alerts on partial fills; only full fills and
	// cancellations are sent by default.
	PartialFills bool
}

// Manager delivers alerts asynchronously so callers on the dispatch path
// never wait on the network. Alerts that do not fit in the queue are dropped
// and reported in the log.
type Manager struct {
	mode         string
	instance     string
	notifier     Notifier
	partialFills bool

	queue              chan alertEvent
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration
	droppedTotal       atomic.Uint64
	droppedWindow      atomic.Uint64
	wg                 sync.WaitGroup
	mu                 sync.RWMutex
	closed             bool
}

type alertEvent struct {
	event  string
	fields map[string]string
}

func NewManager(mode, instance string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, instance, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, instance string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		mode:               mode,
		instance:           instance,
		notifier:           notifier,
		partialFills:       opts.PartialFills,
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if reportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := alertEvent{event: event, fields: cloneFields(fields)}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		if m.droppedWindow.Add(1) == 1 {
			log.Printf(
				"level=WARN event=alert_queue_dropped target_event=%q dropped_total=%d queue_cap=%d",
				event,
				total,
				cap(m.queue),
			)
		}
	}
}

// OnOrderEvent turns lifecycle events into alerts. It matches the broker's
// order event handler signature.
func (m *Manager) OnOrderEvent(ev core.OrderEvent) {
	if m == nil {
		return
	}
	if ev.Type == core.EventPartiallyFilled && !m.partialFills {
		return
	}
	fields := map[string]string{
		"order_id": strconv.FormatInt(ev.Order.ID, 10),
		"side":     string(ev.Order.Side),
		"price":    ev.Order.LimitPrice.String(),
		"quantity": ev.Order.Quantity.String(),
		"filled":   ev.Order.Filled.String(),
	}
	if ev.Execution != nil {
		fields["fill_price"] = ev.Execution.Price.String()
		fields["fill_qty"] = ev.Execution.Quantity.String()
		fields["fee"] = ev.Execution.Commission.String()
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	m.Important("order_"+strings.ToLower(string(ev.Type)), fields)
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := m.droppedWindow.Swap(0)
	if dropped == 0 {
		return
	}
	log.Printf(
		"level=WARN event=alert_queue_dropped_report dropped_since_last=%d dropped_total=%d queue_cap=%d",
		dropped,
		m.droppedTotal.Load(),
		cap(m.queue),
	)
}

func (m *Manager) send(ev alertEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	a := Alert{
		Event:    ev.event,
		Time:     time.Now().UTC(),
		Mode:     m.mode,
		Instance: m.instance,
		Fields:   ev.fields,
	}
	if err := m.notifier.Notify(ctx, a); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.event, err.Error())
	}
}

// Text renders the alert as plain lines, fields sorted by key.
func (a Alert) Text() string {
	lines := []string{
		"[bitstamp-broker] " + a.Event,
		"time: " + a.Time.Format(time.RFC3339),
		"mode: " + a.Mode,
		"instance: " + a.Instance,
	}
	for _, k := range a.fieldKeys() {
		lines = append(lines, k+": "+a.Fields[k])
	}
	return strings.Join(lines, "\n")
}

func (a Alert) fieldKeys() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (m *Manager) droppedStats() (total, window uint64) {
	return m.droppedTotal.Load(), m.droppedWindow.Load()
}
