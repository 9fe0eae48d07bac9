package target

import (
	"github.com/grantcarthew/webdrive/internal/cdp"
)

// handleEvent processes browser-level events. A single subscription keeps
// the lifecycle events in arrival order.
func (m *Manager) handleEvent(evt cdp.Event) {
	switch evt.Method {
	case "Target.targetCreated":
		m.handleTargetCreated(evt)
	case "Target.targetInfoChanged":
		m.handleTargetInfoChanged(evt)
	case "Target.targetDestroyed":
		m.handleTargetDestroyed(evt)
	case "Target.attachedToTarget":
		m.handleAttachedToTarget(evt)
	case "Target.detachedFromTarget":
		m.handleDetachedFromTarget(evt)
	case "Target.targetCrashed":
		m.handleTargetCrashed(evt)
	}
}

func (m *Manager) handleTargetCreated(evt cdp.Event) {
	var params struct {
		TargetInfo Info `json:"targetInfo"`
	}
	if err := evt.Decode(&params); err != nil {
		m.logger.Debug("malformed event", "method", evt.Method, "error", err)
		return
	}

	id := params.TargetInfo.TargetID
	if m.track(params.TargetInfo, true) && m.wanted(id) {
		m.beginAttach(id)
	}
}

func (m *Manager) handleTargetInfoChanged(evt cdp.Event) {
	var params struct {
		TargetInfo Info `json:"targetInfo"`
	}
	if err := evt.Decode(&params); err != nil {
		return
	}

	m.mu.Lock()
	if e, ok := m.targets[params.TargetInfo.TargetID]; ok {
		e.info = params.TargetInfo
	}
	m.mu.Unlock()
}

// handleTargetDestroyed is the only path that removes a target.
func (m *Manager) handleTargetDestroyed(evt cdp.Event) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if err := evt.Decode(&params); err != nil || params.TargetID == "" {
		return
	}

	m.mu.Lock()
	m.markGone(params.TargetID)
	e, ok := m.targets[params.TargetID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.targets, params.TargetID)
	sess := e.session
	e.session = nil
	m.setState(e, StateGone)
	m.mu.Unlock()

	m.logger.Debug("target destroyed", "target", params.TargetID, "had_session", sess != nil)
	if sess != nil {
		m.client.CloseSession(sess.ID(), cdp.ErrTargetGone)
	}
}

func (m *Manager) handleAttachedToTarget(evt cdp.Event) {
	var params struct {
		SessionID          string `json:"sessionId"`
		TargetInfo         Info   `json:"targetInfo"`
		WaitingForDebugger bool   `json:"waitingForDebugger"`
	}
	if err := evt.Decode(&params); err != nil || params.SessionID == "" {
		return
	}

	// A target this connection never saw created is adopted; a destroyed one
	// is rejected by track and the session treated as stray.
	m.track(params.TargetInfo, false)
	m.confirmAttach(params.TargetInfo.TargetID, params.SessionID, params.WaitingForDebugger)
}

func (m *Manager) handleDetachedFromTarget(evt cdp.Event) {
	var params struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := evt.Decode(&params); err != nil || params.SessionID == "" {
		return
	}

	m.mu.Lock()
	for _, e := range m.targets {
		if e.session != nil && e.session.ID() == params.SessionID {
			e.session = nil
			m.setState(e, StateDiscovered)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Debug("session detached", "session", params.SessionID, "target", params.TargetID)
	m.client.CloseSession(params.SessionID, errDetached)
}

func (m *Manager) handleTargetCrashed(evt cdp.Event) {
	var params struct {
		TargetID  string `json:"targetId"`
		Status    string `json:"status"`
		ErrorCode int    `json:"errorCode"`
	}
	if err := evt.Decode(&params); err != nil {
		return
	}
	m.logger.Warn("target crashed", "target", params.TargetID, "status", params.Status, "code", params.ErrorCode)
}
