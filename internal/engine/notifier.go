package engine

import "tradedesk/internal/domain"

// Notifier receives committed state changes for fan-out to live subscribers.
// The engine and reconciler call these inline after each commit, so
// implementations must not block.
type Notifier interface {
	OrderUpdated(o *domain.Order)
	FillRecorded(f *domain.Fill)
	PositionUpdated(p *domain.Position)
	AccountValueUpdated(v *domain.AccountValue)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) OrderUpdated(*domain.Order)               {}
func (NopNotifier) FillRecorded(*domain.Fill)                {}
func (NopNotifier) PositionUpdated(*domain.Position)         {}
func (NopNotifier) AccountValueUpdated(*domain.AccountValue) {}

// MultiNotifier fans each notification out to every member in order.
type MultiNotifier []Notifier

func (m MultiNotifier) OrderUpdated(o *domain.Order) {
	for _, n := range m {
		n.OrderUpdated(o)
	}
}

func (m MultiNotifier) FillRecorded(f *domain.Fill) {
	for _, n := range m {
		n.FillRecorded(f)
	}
}

func (m MultiNotifier) PositionUpdated(p *domain.Position) {
	for _, n := range m {
		n.PositionUpdated(p)
	}
}

func (m MultiNotifier) AccountValueUpdated(v *domain.AccountValue) {
	for _, n := range m {
		n.AccountValueUpdated(v)
	}
}
