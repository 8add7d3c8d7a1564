package spatial

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry 维护房间成员与连接订阅这两张互为对偶的表：
// conn ∈ members(room) ⇔ room ∈ subscriptions(conn)。
// 两张表只在同一把锁内修改，读方不会看到中间状态。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // roomID -> connIDs
	conns map[string]map[string]struct{} // connID -> roomIDs
}

// NewRegistry 创建空的 Registry
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join 把连接加入房间，返回是否为新加入
func (r *Registry) Join(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinLocked(connID, roomID)
}

// Leave 把连接移出房间，返回之前是否在房间内
func (r *Registry) Leave(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, roomID)
}

// LeaveAll 释放连接的全部订阅，返回被释放的房间
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.conns[connID]
	released := make([]string, 0, len(subs))
	for roomID := range subs {
		released = append(released, roomID)
	}
	for _, roomID := range released {
		r.leaveLocked(connID, roomID)
	}
	sort.Strings(released)
	return released
}

// UpdateSubscriptions 把连接的订阅集合替换为 rooms。
// 只对差集执行 join/leave，返回新加入和离开的房间。
func (r *Registry) UpdateSubscriptions(connID string, rooms []string) (joined, left []string) {
	want := make(map[string]struct{}, len(rooms))
	for _, roomID := range rooms {
		want[roomID] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.conns[connID] {
		if _, keep := want[roomID]; !keep {
			left = append(left, roomID)
		}
	}
	for _, roomID := range left {
		r.leaveLocked(connID, roomID)
	}
	for _, roomID := range rooms {
		if r.joinLocked(connID, roomID) {
			joined = append(joined, roomID)
		}
	}
	sort.Strings(left)

	logrus.WithFields(logrus.Fields{
		"conn_id": connID,
		"joined":  len(joined),
		"left":    len(left),
	}).Debug("Subscriptions updated")
	return joined, left
}

// MembersOf 返回房间成员的副本
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// MemberCount 返回房间成员数
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// IsMember 判断连接是否订阅了房间
func (r *Registry) IsMember(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

// RoomsOf 返回连接订阅的房间 (已排序)
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.conns[connID]
	out := make([]string, 0, len(subs))
	for roomID := range subs {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// RoomCount 返回至少有一个成员的房间数
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// TotalConnections 返回至少订阅了一个房间的连接数
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot 返回每个房间的成员数
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		out[roomID] = len(members)
	}
	return out
}

func (r *Registry) joinLocked(connID, roomID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	if _, exists := members[connID]; exists {
		return false
	}
	members[connID] = struct{}{}

	subs, ok := r.conns[connID]
	if !ok {
		subs = make(map[string]struct{})
		r.conns[connID] = subs
	}
	subs[roomID] = struct{}{}
	return true
}

func (r *Registry) leaveLocked(connID, roomID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}

	if subs, ok := r.conns[connID]; ok {
		delete(subs, roomID)
		if len(subs) == 0 {
			delete(r.conns, connID)
		}
	}
	return true
}
