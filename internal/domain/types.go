package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TableType is the role a server plays for a table. OFFLINE and REALTIME
// segments of one table can live on the same host and port but are queried
// as separate servers.
type TableType string

const (
	TableTypeOffline  TableType = "OFFLINE"
	TableTypeRealtime TableType = "REALTIME"
)

// ParseTableType canonicalizes a configured table type.
func ParseTableType(s string) (TableType, error) {
	switch TableType(strings.ToUpper(strings.TrimSpace(s))) {
	case TableTypeOffline:
		return TableTypeOffline, nil
	case TableTypeRealtime:
		return TableTypeRealtime, nil
	}
	return "", fmt.Errorf("unknown table type %q", s)
}

// TableNameWithType returns the physical table name queried on servers of
// this type, e.g. "airlines_OFFLINE". Names that already carry a type
// suffix are returned unchanged.
func (t TableType) TableNameWithType(table string) string {
	if strings.HasSuffix(table, "_"+string(TableTypeOffline)) || strings.HasSuffix(table, "_"+string(TableTypeRealtime)) {
		return table
	}
	return table + "_" + string(t)
}

// ServerRoutingInstance identifies one data server endpoint together with
// the role it is queried for. It is comparable and used as a map key, so
// two instances are the same destination iff host, port and table type
// all match.
type ServerRoutingInstance struct {
	Host      string
	Port      int
	TableType TableType
}

func NewServerRoutingInstance(host string, port int, tableType TableType) ServerRoutingInstance {
	return ServerRoutingInstance{Host: host, Port: port, TableType: tableType}
}

// Address returns the dialable host:port of the instance.
func (s ServerRoutingInstance) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ShortName is the instance name used in logs, metrics and responses,
// e.g. "Server_10.0.0.1_8098_OFFLINE".
func (s ServerRoutingInstance) ShortName() string {
	return fmt.Sprintf("Server_%s_%d_%s", s.Host, s.Port, s.TableType)
}

func (s ServerRoutingInstance) String() string {
	return s.ShortName()
}
