package stats

import "github.com/stretchr/testify/mock"

// MockStatsUpdater records metric updates made by the chat server.
type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(metric Metric) {
	m.Called(metric)
}

func (m *MockStatsUpdater) Decr(metric Metric) {
	m.Called(metric)
}

func (m *MockStatsUpdater) RegisterMetric(metric Metric) {
	m.Called(metric)
}

func (m *MockStatsUpdater) Run() {
	m.Called()
}
