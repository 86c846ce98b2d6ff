package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKSource feeds a View from a ZooKeeper subtree: one persistent znode per
// node under {root}/nodes/{name}, holding JSON-encoded NodeInfo. This
// generalizes the teacher's ZKMembership (pkg/cluster/zookeeper.go), which
// tracked a flat list of ephemeral node names for consistent-hash routing,
// into a full membership view with roles, locations and shard state.
type ZKSource struct {
	conn     *zk.Conn
	rootPath string
	view     *View

	versions uint64
}

// NewZKSource connects to the given ZooKeeper ensemble and returns a ZKSource
// ready to watch rootPath+"/nodes".
func NewZKSource(servers []string, rootPath string, view *View) (*ZKSource, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("membership: zk connect: %w", err)
	}
	return &ZKSource{conn: conn, rootPath: rootPath, view: view}, nil
}

// Close releases the underlying ZooKeeper connection.
func (z *ZKSource) Close() error {
	z.conn.Close()
	return nil
}

func (z *ZKSource) ensurePath(path string) error {
	if path == "" || path == "/" {
		return nil
	}
	exists, _, err := z.conn.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		_, err = z.conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

// PublishSelf writes or updates this node's record under {root}/nodes/{name}.
func (z *ZKSource) PublishSelf(node NodeInfo) error {
	if err := z.ensurePath(z.rootPath); err != nil {
		return fmt.Errorf("membership: ensure root: %w", err)
	}
	if err := z.ensurePath(z.rootPath + "/nodes"); err != nil {
		return fmt.Errorf("membership: ensure nodes path: %w", err)
	}

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("membership: marshal node info: %w", err)
	}

	nodePath := fmt.Sprintf("%s/nodes/%s", z.rootPath, node.Name)
	exists, stat, err := z.conn.Exists(nodePath)
	if err != nil {
		return fmt.Errorf("membership: exists: %w", err)
	}
	if !exists {
		_, err = z.conn.Create(nodePath, data, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("membership: create node znode: %w", err)
		}
		return nil
	}
	_, err = z.conn.Set(nodePath, data, stat.Version)
	return err
}

// Run watches {root}/nodes for child changes and rebuilds the View's
// snapshot from the JSON-encoded records on every change, mirroring the
// teacher's RunWatch loop.
func (z *ZKSource) Run(ctx context.Context) {
	go func() {
		for {
			children, _, ch, err := z.conn.ChildrenW(z.rootPath + "/nodes")
			if err != nil {
				slog.Warn("membership: ChildrenW failed, retrying", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			z.rebuild(children)

			select {
			case ev := <-ch:
				slog.Debug("membership: zk watch event", "type", ev.Type)
			case <-ctx.Done():
				slog.Info("membership: watch stopped")
				return
			}
		}
	}()
}

func (z *ZKSource) rebuild(children []string) {
	sort.Strings(children)
	nodes := make([]NodeInfo, 0, len(children))
	for _, name := range children {
		path := fmt.Sprintf("%s/nodes/%s", z.rootPath, name)
		data, _, err := z.conn.Get(path)
		if err != nil {
			slog.Warn("membership: failed to read node znode", "path", path, "error", err)
			continue
		}
		var n NodeInfo
		if err := json.Unmarshal(data, &n); err != nil {
			slog.Warn("membership: malformed node znode, skipping", "path", path, "error", err)
			continue
		}
		nodes = append(nodes, n)
	}

	z.versions++
	snap, err := NewSnapshot(z.versions, nodes)
	if err != nil {
		slog.Warn("membership: rejected snapshot", "error", err)
		return
	}
	if _, err := z.view.ApplyUpdate(snap); err != nil {
		slog.Warn("membership: apply update failed", "error", err)
	}
}
