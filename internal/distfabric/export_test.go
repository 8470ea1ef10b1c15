package distfabric

import (
	"encoding/json"
	"time"
)

// The wrappers below exist only so distfabric_test can drive Master's
// unexported pub/sub handlers directly, without standing up a real Redis
// subscriber loop for what is otherwise pure message-handling logic.

func ApplyHeartbeatForTest(m *Master, hb Heartbeat) {
	payload, _ := json.Marshal(hb)
	m.handleHeartbeat(payload)
}

func ApplyTransitionForTest(m *Master, msg TransitionMessage) {
	payload, _ := json.Marshal(msg)
	m.handleTransition(payload)
}

func ApplyResultForTest(m *Master, msg ResultMessage) {
	payload, _ := json.Marshal(msg)
	m.handleResult(payload)
}

func MarkDeadForTest(m *Master, workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[workerID]; ok {
		w.Dead = true
		w.LastHeartbeat = time.Time{}
	}
}
