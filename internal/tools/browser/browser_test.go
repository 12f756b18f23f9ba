package browser

import (
	"context"
	"encoding/json"
	"testing"
)

type wrongClient struct{}

func (wrongClient) Close() error { return nil }

func TestNew_RejectsWrongClientType(t *testing.T) {
	if _, err := New(wrongClient{}); err == nil {
		t.Fatal("New() accepted a non-browser client")
	}
}

func TestExecute_UnknownAction(t *testing.T) {
	tool := &Tool{client: &Client{}}
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"fly"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Errorf("result = %+v, want error for unknown action", res)
	}
}

func TestExecute_MalformedArgs(t *testing.T) {
	tool := &Tool{client: &Client{}}
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"action":`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Errorf("result = %+v, want error for malformed args", res)
	}
}

func TestExecute_NavigateRequiresURL(t *testing.T) {
	tool := &Tool{client: &Client{}}
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"navigate"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Errorf("result = %+v, want error when url is missing", res)
	}
}

func TestSchema_IsValidJSON(t *testing.T) {
	tool := &Tool{}
	var decoded map[string]any
	if err := json.Unmarshal(tool.Schema(), &decoded); err != nil {
		t.Fatalf("Schema() is not valid JSON: %v", err)
	}
	if decoded["type"] != "object" {
		t.Errorf("schema type = %v, want object", decoded["type"])
	}
}
