package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 模拟 ZooKeeper 的持久节点与临时顺序节点。
type fakeConn struct {
	mu      sync.Mutex
	nodes   map[string]bool
	seq     int
	watches map[string][]chan zk.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: map[string]bool{}, watches: map[string][]chan zk.Event{}}
}

func (f *fakeConn) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[path], nil, nil
}

func (f *fakeConn) Create(path string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[path] {
		return "", zk.ErrNodeExists
	}
	f.nodes[path] = true
	return path, nil
}

func (f *fakeConn) CreateProtectedEphemeralSequential(path string, _ []byte, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	dir := path[:strings.LastIndex(path, "/")]
	// 用递减的 GUID 前缀确认排序只看序号
	node := fmt.Sprintf("%s/_c_%03d-%s%010d", dir, 999-f.seq, nodePrefix, f.seq)
	f.nodes[node] = true
	return node, nil
}

func (f *fakeConn) Children(path string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.nodes {
		if strings.HasPrefix(n, path+"/") && !strings.Contains(strings.TrimPrefix(n, path+"/"), "/") {
			out = append(out, strings.TrimPrefix(n, path+"/"))
		}
	}
	return out, nil, nil
}

func (f *fakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan zk.Event, 1)
	f.watches[path] = append(f.watches[path], ch)
	return f.nodes[path], nil, ch, nil
}

func (f *fakeConn) Delete(path string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.nodes[path] {
		return zk.ErrNoNode
	}
	delete(f.nodes, path)
	for _, ch := range f.watches[path] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: path}
	}
	delete(f.watches, path)
	return nil
}

func TestLocker_SingleHolder(t *testing.T) {
	conn := newFakeConn()
	locker := NewLocker(conn)
	ctx := context.Background()

	unlock, ok, err := locker.TryLock(ctx, "ledger-sweep")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "ledger-sweep")
	require.NoError(t, err)
	assert.False(t, ok, "second runner must not acquire")

	children, _, _ := conn.Children(lockRoot + "/ledger-sweep")
	assert.Len(t, children, 1, "losing runner cleans up its node")

	require.NoError(t, unlock())
	unlock, ok, err = locker.TryLock(ctx, "ledger-sweep")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, unlock())
}

func TestDistributedLock_LockWaitsForPredecessor(t *testing.T) {
	conn := newFakeConn()
	first, err := NewDistributedLock(conn, "res")
	require.NoError(t, err)
	require.NoError(t, first.Lock(context.Background()))

	second, err := NewDistributedLock(conn, "res")
	require.NoError(t, err)
	acquired := make(chan error, 1)
	go func() { acquired <- second.Lock(context.Background()) }()

	require.NoError(t, first.Unlock())
	require.NoError(t, <-acquired)
	require.NoError(t, second.Unlock())
}

func TestDistributedLock_LockHonoursContext(t *testing.T) {
	conn := newFakeConn()
	holder, err := NewDistributedLock(conn, "res")
	require.NoError(t, err)
	require.NoError(t, holder.Lock(context.Background()))

	waiter, err := NewDistributedLock(conn, "res")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, waiter.Lock(ctx), context.Canceled)

	children, _, _ := conn.Children(lockRoot + "/res")
	assert.Len(t, children, 1)
}
