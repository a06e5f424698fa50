package core

import (
	"encoding/json"
	"fmt"
)

// Operation represents a backend storage operation, one of Create, Read, Update, Delete, List, Search
type Operation string

// all supported operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
	OperationSearch Operation = "search"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList, OperationSearch:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}
