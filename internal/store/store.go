// Package store keeps the broker's local audit files: the runtime status
// snapshot and the append-only fill journal. Nothing here is read back to
// rebuild account state; the exchange is the source of truth on start.
package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bitstamp-broker/internal/core"
)

type RuntimeStatus struct {
	Mode         string            `json:"mode"`
	InstanceID   string            `json:"instance_id"`
	Exchange     string            `json:"exchange"`
	PID          int               `json:"pid"`
	State        string            `json:"state"`
	StartedAt    time.Time         `json:"started_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastError    string            `json:"last_error,omitempty"`
	LastTradeID  int64             `json:"last_trade_id"`
	Cash         string            `json:"cash"`
	Holdings     map[string]string `json:"holdings,omitempty"`
	ActiveOrders int               `json:"active_orders"`
	QueueDepth   int               `json:"queue_depth"`
}

// FillRecord is one journal line per lifecycle event.
type FillRecord struct {
	OrderID    int64               `json:"order_id"`
	Event      core.EventType      `json:"event"`
	Side       core.Side           `json:"side"`
	LimitPrice string              `json:"limit_price"`
	Quantity   string              `json:"quantity"`
	Filled     string              `json:"filled"`
	State      core.OrderState     `json:"state"`
	Execution  *core.ExecutionInfo `json:"execution,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	RecordedAt time.Time           `json:"recorded_at"`
}

type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, now: time.Now}, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendFill writes ev to the journal file of the day it was recorded.
func (s *Store) AppendFill(ev core.OrderEvent) error {
	rec := FillRecord{
		OrderID:    ev.Order.ID,
		Event:      ev.Type,
		Side:       ev.Order.Side,
		LimitPrice: ev.Order.LimitPrice.String(),
		Quantity:   ev.Order.Quantity.String(),
		Filled:     ev.Order.Filled.String(),
		State:      ev.Order.State,
		Execution:  ev.Execution,
		Reason:     ev.Reason,
		RecordedAt: s.now().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.journalDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, rec.RecordedAt.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// OnOrderEvent journals ev and logs, rather than returns, write failures so
// it can be registered as a broker event handler.
func (s *Store) OnOrderEvent(ev core.OrderEvent) {
	if err := s.AppendFill(ev); err != nil {
		log.Printf("level=ERROR event=fill_journal_write_failed order_id=%d type=%s err=%q", ev.Order.ID, ev.Type, err.Error())
	}
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) journalDir() string {
	return filepath.Join(s.root, "fills")
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	syncDir(dir, path)
	return nil
}

// syncDir fsyncs dir after a rename. Failures are logged only.
func syncDir(dir, target string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Printf("level=WARN event=store_dir_fsync_skipped reason=%q dir=%q target=%q", err.Error(), dir, target)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("level=WARN event=store_dir_fsync_failed reason=%q dir=%q target=%q", err.Error(), dir, target)
	}
}
