package gateway

import "sync"

// hub tracks live sessions per namespace and their room memberships.
// Fan-out holds the read lock only; membership changes take the write lock,
// and a session's send channel is closed exclusively under that write lock
// so enqueue can never race a close.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}            // namespace -> sessions
	rooms    map[string]map[string]map[*session]struct{} // namespace -> room -> members
}

func newHub() *hub {
	return &hub{
		sessions: make(map[string]map[*session]struct{}),
		rooms:    make(map[string]map[string]map[*session]struct{}),
	}
}

func (h *hub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ns := h.sessions[s.namespace]
	if ns == nil {
		ns = make(map[*session]struct{})
		h.sessions[s.namespace] = ns
	}
	ns[s] = struct{}{}
}

// remove detaches the session from its namespace and every joined room and
// closes its send channel. Safe to call more than once; only the first call
// closes the channel.
func (h *hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ns, ok := h.sessions[s.namespace]
	if !ok {
		return
	}
	if _, ok := ns[s]; !ok {
		return
	}
	delete(ns, s)
	if len(ns) == 0 {
		delete(h.sessions, s.namespace)
	}
	for room := range s.rooms {
		h.dropMember(s.namespace, room, s)
	}
	close(s.send)
}

func (h *hub) join(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.namespace][s]; !ok {
		return // already torn down
	}
	nsRooms := h.rooms[s.namespace]
	if nsRooms == nil {
		nsRooms = make(map[string]map[*session]struct{})
		h.rooms[s.namespace] = nsRooms
	}
	members := nsRooms[room]
	if members == nil {
		members = make(map[*session]struct{})
		nsRooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *hub) leave(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropMember(s.namespace, room, s)
	delete(s.rooms, room)
}

// dropMember removes s from one room, pruning empty maps. Caller holds mu.
func (h *hub) dropMember(namespace, room string, s *session) {
	members := h.rooms[namespace][room]
	if members == nil {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms[namespace], room)
		if len(h.rooms[namespace]) == 0 {
			delete(h.rooms, namespace)
		}
	}
}

// broadcast queues data for every session in the namespace and returns the
// delivery count. Sessions whose queue is full are disconnected after the
// lock is released rather than allowed to stall the relay.
func (h *hub) broadcast(namespace string, data []byte) int {
	h.mu.RLock()
	n := 0
	var slow []*session
	for s := range h.sessions[namespace] {
		if s.enqueue(data) {
			n++
		} else {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		s.dropSlow()
	}
	return n
}

// roomcast is broadcast restricted to one room.
func (h *hub) roomcast(namespace, room string, data []byte) int {
	h.mu.RLock()
	n := 0
	var slow []*session
	for s := range h.rooms[namespace][room] {
		if s.enqueue(data) {
			n++
		} else {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		s.dropSlow()
	}
	return n
}

// sendTo queues data for one session if it is still attached. Enqueueing
// under the read lock keeps the membership check and the channel send
// atomic with respect to remove.
func (h *hub) sendTo(s *session, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.sessions[s.namespace][s]; !ok {
		return false
	}
	return s.enqueue(data)
}

// counts returns the live session count per namespace plus the total.
func (h *hub) counts() (map[string]int, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	per := make(map[string]int, len(h.sessions))
	total := 0
	for ns, set := range h.sessions {
		per[ns] = len(set)
		total += len(set)
	}
	return per, total
}

// closeAll force-closes every connection. Teardown then runs in each
// session's read pump.
func (h *hub) closeAll() {
	h.mu.RLock()
	var all []*session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		_ = s.conn.Close()
	}
}
