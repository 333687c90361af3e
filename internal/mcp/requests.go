package mcp

import (
	"encoding/json"
	"fmt"
)

func NewInitializeRequest(id interface{}, info ClientInfo, capabilities map[string]interface{}) *JSONRPCRequest {
	if capabilities == nil {
		capabilities = map[string]interface{}{}
	}
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodInitialize,
		Params: InitializeParams{
			ProtocolVersion: DefaultProtocolVersion,
			Capabilities:    capabilities,
			ClientInfo:      info,
		},
	}
}

func NewInitializedNotification() *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  MethodInitialized,
		Params:  map[string]interface{}{},
	}
}

func NewCancelledNotification(requestID interface{}, reason string) *JSONRPCRequest {
	params := map[string]interface{}{"requestId": requestID}
	if reason != "" {
		params["reason"] = reason
	}
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  MethodCancelled,
		Params:  params,
	}
}

func NewPingRequest(id interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodPing,
		Params:  map[string]interface{}{},
	}
}

func NewToolsListRequest(id interface{}, cursor *string) *JSONRPCRequest {
	params := map[string]interface{}{}
	if cursor != nil {
		params["cursor"] = *cursor
	}
	return &JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: MethodToolsList, Params: params}
}

func NewToolsCallRequest(id interface{}, name string, arguments map[string]interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodToolsCall,
		Params:  ToolsCallParams{Name: name, Arguments: arguments},
	}
}

func NewResourcesListRequest(id interface{}, cursor *string) *JSONRPCRequest {
	params := map[string]interface{}{}
	if cursor != nil {
		params["cursor"] = *cursor
	}
	return &JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: MethodResourcesList, Params: params}
}

func NewResourcesReadRequest(id interface{}, uri string) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodResourcesRead,
		Params:  map[string]interface{}{"uri": uri},
	}
}

func NewPromptsListRequest(id interface{}, cursor *string) *JSONRPCRequest {
	params := map[string]interface{}{}
	if cursor != nil {
		params["cursor"] = *cursor
	}
	return &JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: MethodPromptsList, Params: params}
}

func NewPromptsGetRequest(id interface{}, name string, arguments map[string]interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodPromptsGet,
		Params:  PromptsGetParams{Name: name, Arguments: arguments},
	}
}

// PromptsGetParams contains parameters for a prompts/get request.
type PromptsGetParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Encode marshals a request to its wire form.
func (r *JSONRPCRequest) Encode() (Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", r.Method, err)
	}
	return data, nil
}

// DecodeResponse parses a wire message as a JSON-RPC response.
func DecodeResponse(msg Message) (*JSONRPCResponse, error) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// ValidateResponse checks envelope-level conformance of a response.
func ValidateResponse(resp *JSONRPCResponse) error {
	if resp.JSONRPC != "2.0" {
		return fmt.Errorf("invalid jsonrpc version %q", resp.JSONRPC)
	}
	if resp.ID == nil {
		return fmt.Errorf("response is missing id")
	}
	if resp.Result != nil && resp.Error != nil {
		return fmt.Errorf("response carries both result and error")
	}
	return nil
}
