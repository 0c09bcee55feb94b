// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"nexus-settlement/internal/pkg/logger"
)

const (
	lockRoot   = "/distributed_locks" // 所有分布式锁的根节点
	nodePrefix = "lock-"
)

// Conn 是锁用到的 *zk.Conn 方法子集。
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// Connect 建立 ZooKeeper 会话。会话断开后临时节点自动删除，锁随之释放。
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect zookeeper %v", servers)
	}
	logger.Ctx(context.Background()).Info().Strs("servers", servers).Msg("✅ Successfully connected to ZooKeeper.")
	return conn, nil
}

// DistributedLock 定义了一个分布式锁对象
type DistributedLock struct {
	conn     Conn
	path     string // 锁的路径，例如 /distributed_locks/ledger-sweep
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，并确保锁路径存在
func NewDistributedLock(conn Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensurePath(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensurePath(conn Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "check lock path %s", path)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "create lock path %s", path)
	}
	return nil
}

// Lock 尝试获取锁，如果获取不到则阻塞等待，直到 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	if err := l.createNode(); err != nil {
		return err
	}

	for {
		children, err := l.sortedChildren()
		if err != nil {
			return err
		}

		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		prevNodeIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevNodeIndex = i - 1
				break
			}
		}
		if prevNodeIndex == -1 && len(children) > 0 && children[0] == myNodeName {
			return nil
		}
		if prevNodeIndex < 0 {
			return errors.New("cannot find own lock node, session may have expired")
		}

		// 不是最小节点，监听前一个节点
		prevNodePath := l.path + "/" + children[prevNodeIndex]
		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			return errors.Wrap(err, "failed to watch previous node")
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
		case <-ctx.Done():
			_ = l.Unlock()
			return ctx.Err()
		}
	}
}

// TryLock 不阻塞：当前不是最小节点时立即删除自己的节点并返回 false
func (l *DistributedLock) TryLock() (bool, error) {
	if err := l.createNode(); err != nil {
		return false, err
	}
	children, err := l.sortedChildren()
	if err != nil {
		_ = l.Unlock()
		return false, err
	}
	if len(children) > 0 && children[0] == strings.TrimPrefix(l.lockNode, l.path+"/") {
		return true, nil
	}
	return false, l.Unlock()
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "failed to delete lock node")
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) createNode() error {
	// 格式为: /distributed_locks/resourceID/_c_<guid>-lock-0000000001
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/"+nodePrefix, []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "failed to create sequential node")
	}
	l.lockNode = nodePath
	return nil
}

// sortedChildren 按序号排序。受保护节点带有随机 GUID 前缀，不能直接按字符串排序。
func (l *DistributedLock) sortedChildren() ([]string, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get children nodes")
	}
	sort.Slice(children, func(i, j int) bool {
		return sequence(children[i]) < sequence(children[j])
	})
	return children, nil
}

func sequence(node string) string {
	if i := strings.LastIndex(node, nodePrefix); i >= 0 {
		return node[i+len(nodePrefix):]
	}
	return node
}

// Locker 以资源名为粒度提供非阻塞互斥，用于集群内只允许一个实例执行的后台任务。
type Locker struct {
	conn Conn
}

func NewLocker(conn Conn) *Locker {
	return &Locker{conn: conn}
}

func (z *Locker) TryLock(ctx context.Context, resource string) (func() error, bool, error) {
	lock, err := NewDistributedLock(z.conn, resource)
	if err != nil {
		return nil, false, err
	}
	acquired, err := lock.TryLock()
	if err != nil || !acquired {
		return nil, false, err
	}
	logger.Ctx(ctx).Debug().Str("resource", resource).Msg("🔒 zookeeper lock acquired")
	return lock.Unlock, true, nil
}
