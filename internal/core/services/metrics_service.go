package services

import (
	"sync"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
)

var _ ports.CallMetrics = (*MetricsService)(nil)

// MetricsService keeps in-process call counters for the stats endpoint and
// forwards every observation to the registered sinks (e.g. Prometheus).
type MetricsService struct {
	mu sync.RWMutex

	callsStarted        int64
	callsAccepted       int64
	callsConnected      int64
	callsEnded          map[domain.EndReason]int64
	candidatesSent      int64
	candidateSendErrors int64
	candidatesApplied   int64
	incomingSurfaced    int64
	totalSetup          time.Duration

	sinks []ports.CallMetrics
}

func NewMetricsService(sinks ...ports.CallMetrics) *MetricsService {
	return &MetricsService{
		callsEnded: make(map[domain.EndReason]int64),
		sinks:      sinks,
	}
}

func (m *MetricsService) CallStarted(callType domain.CallType) {
	m.mu.Lock()
	m.callsStarted++
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.CallStarted(callType)
	}
}

func (m *MetricsService) CallAccepted(callType domain.CallType) {
	m.mu.Lock()
	m.callsAccepted++
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.CallAccepted(callType)
	}
}

func (m *MetricsService) CallConnected(setup time.Duration) {
	m.mu.Lock()
	m.callsConnected++
	m.totalSetup += setup
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.CallConnected(setup)
	}
}

func (m *MetricsService) CallEnded(reason domain.EndReason) {
	m.mu.Lock()
	m.callsEnded[reason]++
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.CallEnded(reason)
	}
}

func (m *MetricsService) CandidateSent() {
	m.mu.Lock()
	m.candidatesSent++
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.CandidateSent()
	}
}

func (m *MetricsService) CandidateSendFailed() {
	m.mu.Lock()
	m.candidateSendErrors++
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.CandidateSendFailed()
	}
}

func (m *MetricsService) CandidateApplied() {
	m.mu.Lock()
	m.candidatesApplied++
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.CandidateApplied()
	}
}

func (m *MetricsService) IncomingSurfaced() {
	m.mu.Lock()
	m.incomingSurfaced++
	m.mu.Unlock()
	for _, s := range m.sinks {
		s.IncomingSurfaced()
	}
}

func (m *MetricsService) Stats() domain.CallStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ended := make(map[domain.EndReason]int64, len(m.callsEnded))
	for reason, n := range m.callsEnded {
		ended[reason] = n
	}

	stats := domain.CallStats{
		CallsStarted:        m.callsStarted,
		CallsAccepted:       m.callsAccepted,
		CallsConnected:      m.callsConnected,
		CallsEnded:          ended,
		CandidatesSent:      m.candidatesSent,
		CandidateSendErrors: m.candidateSendErrors,
		CandidatesApplied:   m.candidatesApplied,
		IncomingSurfaced:    m.incomingSurfaced,
		Timestamp:           time.Now(),
	}
	if m.callsConnected > 0 {
		stats.AverageSetupDuration = m.totalSetup / time.Duration(m.callsConnected)
	}
	return stats
}
