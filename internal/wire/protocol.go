package wire

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type ErrorCode int32

const (
	ErrorCodeOK          ErrorCode = 0
	ErrorCodeBadRequest  ErrorCode = 1
	ErrorCodeTableAbsent ErrorCode = 2
	ErrorCodeOverloaded  ErrorCode = 3
	ErrorCodeInternal    ErrorCode = 4
)

// InstanceRequest is the per-server slice of a broker query.
type InstanceRequest struct {
	RequestId      int64    `protobuf:"varint,1,opt,name=request_id,json=requestId,proto3"`
	Query          string   `protobuf:"bytes,2,opt,name=query,proto3"`
	TableName      string   `protobuf:"bytes,3,opt,name=table_name,json=tableName,proto3"`
	SearchSegments []string `protobuf:"bytes,4,rep,name=search_segments,json=searchSegments,proto3"`
	EnableTrace    bool     `protobuf:"varint,5,opt,name=enable_trace,json=enableTrace,proto3"`
	BrokerId       string   `protobuf:"bytes,6,opt,name=broker_id,json=brokerId,proto3"`
	TimeoutMs      int64    `protobuf:"varint,7,opt,name=timeout_ms,json=timeoutMs,proto3"`
}

func (*InstanceRequest) Reset()         {}
func (*InstanceRequest) String() string { return "InstanceRequest" }
func (*InstanceRequest) ProtoMessage()  {}

// DataTable is a server's answer to one InstanceRequest.
type DataTable struct {
	RequestId      int64                  `protobuf:"varint,1,opt,name=request_id,json=requestId,proto3"`
	ServerName     string                 `protobuf:"bytes,2,opt,name=server_name,json=serverName,proto3"`
	ColumnNames    []string               `protobuf:"bytes,3,rep,name=column_names,json=columnNames,proto3"`
	Rows           []*Row                 `protobuf:"bytes,4,rep,name=rows,proto3"`
	Exceptions     []*ProcessingException `protobuf:"bytes,5,rep,name=exceptions,proto3"`
	NumDocsScanned int64                  `protobuf:"varint,6,opt,name=num_docs_scanned,json=numDocsScanned,proto3"`
	TimeUsedMs     int64                  `protobuf:"varint,7,opt,name=time_used_ms,json=timeUsedMs,proto3"`
}

func (*DataTable) Reset()         {}
func (*DataTable) String() string { return "DataTable" }
func (*DataTable) ProtoMessage()  {}

type Row struct {
	Values []string `protobuf:"bytes,1,rep,name=values,proto3"`
}

func (*Row) Reset()         {}
func (*Row) String() string { return "Row" }
func (*Row) ProtoMessage()  {}

type ProcessingException struct {
	ErrorCode int32  `protobuf:"varint,1,opt,name=error_code,json=errorCode,proto3"`
	Message   string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*ProcessingException) Reset()         {}
func (*ProcessingException) String() string { return "ProcessingException" }
func (*ProcessingException) ProtoMessage()  {}

func MarshalRequest(req *InstanceRequest) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("nil instance request")
	}
	return proto.Marshal(req)
}

func UnmarshalRequest(payload []byte) (*InstanceRequest, error) {
	var req InstanceRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func MarshalDataTable(dt *DataTable) ([]byte, error) {
	if dt == nil {
		return nil, fmt.Errorf("nil data table")
	}
	return proto.Marshal(dt)
}

func UnmarshalDataTable(payload []byte) (*DataTable, error) {
	var dt DataTable
	if err := proto.Unmarshal(payload, &dt); err != nil {
		return nil, err
	}
	return &dt, nil
}

func ValidateRequest(req *InstanceRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.TableName == "" {
		return fmt.Errorf("table name is required")
	}
	if req.Query == "" {
		return fmt.Errorf("query is required")
	}
	return nil
}

// Exception builds a DataTable carrying only a processing exception.
func Exception(requestID int64, serverName string, code ErrorCode, msg string) *DataTable {
	return &DataTable{RequestId: requestID, ServerName: serverName, Exceptions: []*ProcessingException{{ErrorCode: int32(code), Message: msg}}}
}
