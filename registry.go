package dialogdriver

import "sync"

// Registry is the in-memory index of root dialogs, their subdialogs, the
// "needs-drive" set the backend driver polls, and the per-root
// {targetAgentId, tellaskSession} → subdialog lookup Type B tellasks use to
// find a resumable subdialog. It is the single owning object the per-dialog
// bookkeeping that would otherwise live in ambient module-level maps is
// collected into.
type Registry struct {
	mu         sync.Mutex
	roots      map[string]*Dialog            // rootId -> root dialog
	subs       map[string]*Dialog            // "rootId/selfId" -> subdialog
	needsDrive map[string]bool               // rootId -> flagged
	sessions   map[string]map[string]DialogID // rootId -> "agentId\x00session" -> subdialog id
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		roots:      make(map[string]*Dialog),
		subs:       make(map[string]*Dialog),
		needsDrive: make(map[string]bool),
		sessions:   make(map[string]map[string]DialogID),
	}
}

// RegisterRoot adds or replaces a root dialog in the registry.
func (r *Registry) RegisterRoot(d *Dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots[d.ID.RootID] = d
}

// GetRoot looks up a root dialog by its id.
func (r *Registry) GetRoot(rootID string) (*Dialog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.roots[rootID]
	return d, ok
}

// RegisterSubdialog adds or replaces a subdialog in the registry.
func (r *Registry) RegisterSubdialog(d *Dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[d.ID.Key()] = d
}

// GetSubdialog looks up a subdialog by its full id.
func (r *Registry) GetSubdialog(id DialogID) (*Dialog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.subs[id.Key()]
	return d, ok
}

// Get resolves any dialog (root or sub) by id.
func (r *Registry) Get(id DialogID) (*Dialog, bool) {
	if id.IsRoot() {
		return r.GetRoot(id.RootID)
	}
	return r.GetSubdialog(id)
}

// SetNeedsDrive flags or clears a root dialog's needs-drive bit.
func (r *Registry) SetNeedsDrive(rootID string, flag bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if flag {
		r.needsDrive[rootID] = true
	} else {
		delete(r.needsDrive, rootID)
	}
}

// NeedsDriveSnapshot returns the current set of root ids flagged needs-drive.
func (r *Registry) NeedsDriveSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.needsDrive))
	for id := range r.needsDrive {
		out = append(out, id)
	}
	return out
}

func sessionKey(agentID, session string) string { return agentID + "\x00" + session }

// RegisterSession associates {targetAgentId, tellaskSession} within rootID
// with a subdialog id, for Type B lookup.
func (r *Registry) RegisterSession(rootID, targetAgentID, session string, subID DialogID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[rootID]
	if !ok {
		m = make(map[string]DialogID)
		r.sessions[rootID] = m
	}
	m[sessionKey(targetAgentID, session)] = subID
}

// LookupSession finds a previously registered Type B subdialog by
// {targetAgentId, tellaskSession} within rootID.
func (r *Registry) LookupSession(rootID, targetAgentID, session string) (DialogID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[rootID]
	if !ok {
		return DialogID{}, false
	}
	id, ok := m[sessionKey(targetAgentID, session)]
	return id, ok
}
