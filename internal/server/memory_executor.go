package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AkshathPatkar/pinot/internal/wire"
)

type table struct {
	columns []string
	rows    [][]string
}

// InMemoryExecutor serves fixed rows per table. It ignores the query text:
// every request for a table returns all of that table's rows.
type InMemoryExecutor struct {
	mu     sync.RWMutex
	tables map[string]table
	delay  time.Duration
}

func NewInMemoryExecutor(delay time.Duration) *InMemoryExecutor {
	return &InMemoryExecutor{tables: map[string]table{}, delay: delay}
}

// AddTable registers rows under tableName, replacing earlier rows.
func (m *InMemoryExecutor) AddTable(tableName string, columns []string, rows [][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[tableName] = table{columns: append([]string(nil), columns...), rows: rows}
}

func (m *InMemoryExecutor) Execute(ctx context.Context, req *wire.InstanceRequest) *wire.DataTable {
	start := time.Now()
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return wire.Exception(req.RequestId, "", wire.ErrorCodeInternal, ctx.Err().Error())
		case <-time.After(m.delay):
		}
	}

	m.mu.RLock()
	t, ok := m.tables[req.TableName]
	m.mu.RUnlock()
	if !ok {
		return wire.Exception(req.RequestId, "", wire.ErrorCodeTableAbsent, fmt.Sprintf("table %s not found", req.TableName))
	}

	dt := &wire.DataTable{RequestId: req.RequestId, ColumnNames: t.columns, NumDocsScanned: int64(len(t.rows))}
	for _, r := range t.rows {
		dt.Rows = append(dt.Rows, &wire.Row{Values: r})
	}
	dt.TimeUsedMs = time.Since(start).Milliseconds()
	return dt
}
