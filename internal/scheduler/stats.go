package scheduler

import "time"

// DeviceStatus состояние опроса одного устройства
type DeviceStatus struct {
	Name                string    `json:"name"`
	Identifier          string    `json:"identifier"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Polls               uint64    `json:"polls"`
	Failures            uint64    `json:"failures"`
}

// Stats статистика планировщика
type Stats struct {
	Cycles            uint64         `json:"cycles"`
	LastCycleStarted  time.Time      `json:"last_cycle_started,omitempty"`
	LastCycleDuration time.Duration  `json:"last_cycle_duration_ns"`
	Devices           []DeviceStatus `json:"devices"`
}

// Stats возвращает копию текущей статистики
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.stats
	out.Devices = make([]DeviceStatus, len(s.stats.Devices))
	copy(out.Devices, s.stats.Devices)
	return out
}

func (s *Scheduler) updateStatus(identifier string, fn func(*DeviceStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.stats.Devices {
		if s.stats.Devices[i].Identifier == identifier {
			fn(&s.stats.Devices[i])
		}
	}
}
