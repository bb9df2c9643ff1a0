package jsonrpc

import (
	"encoding/json"
	"errors"
)

// BatchRequest represents a JSON-RPC 2.0 batch request as per specs
type BatchRequest []*Request

// BatchResponse represents a JSON-RPC 2.0 batch response as per specs
type BatchResponse []*Response

// UnmarshalJSON is a custom JSON unmarshaler for the BatchRequest type
func (b *BatchRequest) UnmarshalJSON(data []byte) error {
	// First check if it's an empty array which is not allowed as per the specs
	if string(data) == "[]" {
		return errors.New("invalid batch request: empty array")
	}

	// Try to unmarshal as an array. Entries are decoded without Request's own
	// id check: a batch may mix requests with notifications, which have no id
	// and are kept with a nil Id.
	var items []struct {
		Id      RequestId       `json:"id"`
		Jsonrpc *string         `json:"jsonrpc"`
		Method  *string         `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	err := json.Unmarshal(data, &items)
	if err != nil {
		return err
	}

	if len(items) == 0 {
		return errors.New("invalid batch request: empty array")
	}
	requests := make([]*Request, 0, len(items))
	for _, item := range items {
		if item.Jsonrpc == nil || item.Method == nil {
			return errors.New("invalid batch request: jsonrpc and method are required")
		}
		requests = append(requests, &Request{Id: item.Id, Jsonrpc: *item.Jsonrpc, Method: *item.Method, Params: item.Params})
	}

	*b = requests
	return nil
}

// NewBatchResponse assembles a BatchResponse from individually built
// responses, successes and failures alike (failures carry a non-nil Error).
func NewBatchResponse(responses ...*Response) BatchResponse {
	return BatchResponse(responses)
}
