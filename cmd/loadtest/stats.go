package main

import (
	"slices"
	"sync"
	"time"
)

type OperationType int

const (
	SendOperation OperationType = iota
	EchoOperation
)

// Stats aggregates latencies across simulated sessions.
type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	sendLatencies   []time.Duration
	echoLatencies   []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	switch opType {
	case SendOperation:
		s.totalRequests++
		s.sendLatencies = append(s.sendLatencies, latency)
		return
	case EchoOperation:
		s.echoLatencies = append(s.echoLatencies, latency)
	}
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Stats) p99Send() time.Duration {
	s.Lock()
	defer s.Unlock()
	return percentile(s.sendLatencies, 0.99)
}

func (s *Stats) p99Echo() time.Duration {
	s.Lock()
	defer s.Unlock()
	return percentile(s.echoLatencies, 0.99)
}

func (s *Stats) averageEcho() time.Duration {
	s.Lock()
	defer s.Unlock()
	if s.successRequests == 0 {
		return 0
	}
	return s.totalLatency / time.Duration(s.successRequests)
}
