package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/Asort97/happycat-vpn/models"
)

const nodeColumns = `id, address, status, load_count, version`

// UpsertNode registers a node or updates its address. Load and version are
// never touched here.
func (t *Tx) UpsertNode(n *models.Node) error {
	if n == nil || n.ID == "" || n.Address == "" {
		return fmt.Errorf("node id and address are required")
	}
	status := n.Status
	if status == "" {
		status = models.NodeActive
	}
	_, err := t.exec(`
		INSERT INTO nodes (id, address, status, load_count, version)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(id) DO UPDATE SET address = excluded.address`,
		n.ID, n.Address, string(status))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// GetNode returns nil, nil when the node does not exist.
func (t *Tx) GetNode(id string) (*models.Node, error) {
	n, err := scanNodeRow(t.queryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

func (t *Tx) ListNodes() ([]*models.Node, error) {
	return t.scanNodes(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY id`)
}

func (t *Tx) ActiveNodes() ([]*models.Node, error) {
	return t.scanNodes(`SELECT `+nodeColumns+` FROM nodes WHERE status = ? ORDER BY id`, string(models.NodeActive))
}

// SetNodeStatus drains or re-activates a node.
func (t *Tx) SetNodeStatus(id string, status models.NodeStatus) (bool, error) {
	n, err := t.execAffected(`UPDATE nodes SET status = ?, version = version + 1 WHERE id = ?`, string(status), id)
	if err != nil {
		return false, fmt.Errorf("set node status: %w", err)
	}
	return n == 1, nil
}

// CompareAndSetNodeLoad writes load only if the node is still at version.
// It reports false when another writer got there first.
func (t *Tx) CompareAndSetNodeLoad(id string, version int64, load int) (bool, error) {
	if load < 0 {
		return false, fmt.Errorf("node %s: load must not be negative", id)
	}
	n, err := t.execAffected(`
		UPDATE nodes SET load_count = ?, version = version + 1
		WHERE id = ? AND version = ?`, load, id, version)
	if err != nil {
		return false, fmt.Errorf("update node load: %w", err)
	}
	return n == 1, nil
}

func (t *Tx) scanNodes(query string, args ...any) ([]*models.Node, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNodeRow(row rowScanner) (*models.Node, error) {
	var (
		n      models.Node
		status string
	)
	if err := row.Scan(&n.ID, &n.Address, &status, &n.LoadCount, &n.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	n.Status = models.NodeStatus(status)
	return &n, nil
}
