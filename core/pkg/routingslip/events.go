package routingslip

import "github.com/caravan-bus/caravan/core/pkg/contracts"

// Events is a lifecycle subscriber. Set the callbacks you care about; nil
// fields are skipped. Subscribers run in registration order and their panics
// are logged, never propagated into execution.
type Events struct {
	OnCompleted           func(rs *RoutingSlip)
	OnFaulted             func(rs *RoutingSlip, cause error)
	OnTerminated          func(rs *RoutingSlip)
	OnActivityCompleted   func(rs *RoutingSlip, name string, log ActivityLog)
	OnActivityFaulted     func(rs *RoutingSlip, name string, exc ActivityException)
	OnActivityCompensated func(rs *RoutingSlip, name string)
	OnCompensationFailed  func(rs *RoutingSlip, name string, cause error)
}

type notifier struct {
	subscribers []*Events
	logger      contracts.Logger
}

func (n *notifier) each(fn func(*Events)) {
	for _, s := range n.subscribers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("routing slip subscriber panicked", "panic", r)
				}
			}()
			fn(s)
		}()
	}
}

func (n *notifier) completed(rs *RoutingSlip) {
	n.each(func(s *Events) {
		if s.OnCompleted != nil {
			s.OnCompleted(rs)
		}
	})
}

func (n *notifier) faulted(rs *RoutingSlip, cause error) {
	n.each(func(s *Events) {
		if s.OnFaulted != nil {
			s.OnFaulted(rs, cause)
		}
	})
}

func (n *notifier) terminated(rs *RoutingSlip) {
	n.each(func(s *Events) {
		if s.OnTerminated != nil {
			s.OnTerminated(rs)
		}
	})
}

func (n *notifier) activityCompleted(rs *RoutingSlip, name string, log ActivityLog) {
	n.each(func(s *Events) {
		if s.OnActivityCompleted != nil {
			s.OnActivityCompleted(rs, name, log)
		}
	})
}

func (n *notifier) activityFaulted(rs *RoutingSlip, name string, exc ActivityException) {
	n.each(func(s *Events) {
		if s.OnActivityFaulted != nil {
			s.OnActivityFaulted(rs, name, exc)
		}
	})
}

func (n *notifier) activityCompensated(rs *RoutingSlip, name string) {
	n.each(func(s *Events) {
		if s.OnActivityCompensated != nil {
			s.OnActivityCompensated(rs, name)
		}
	})
}

func (n *notifier) compensationFailed(rs *RoutingSlip, name string, cause error) {
	n.each(func(s *Events) {
		if s.OnCompensationFailed != nil {
			s.OnCompensationFailed(rs, name, cause)
		}
	})
}
