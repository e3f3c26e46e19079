// Simple test client for the bridge management API
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	baseURL := "http://localhost:8081"
	if len(os.Args) > 1 {
		baseURL = os.Args[1]
	}

	client := &http.Client{Timeout: 10 * time.Second}

	// Check the bridge is reachable
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		fmt.Printf("Bridge not reachable at %s: %v\n", baseURL, err)
		fmt.Println("Start the bridge first:")
		fmt.Println("  go run ./cmd/bridge")
		os.Exit(1)
	}
	resp.Body.Close()

	// Test 1: Status
	fmt.Println("=== Test 1: Status ===")
	if err := call(client, "GET", baseURL+"/api/v1/bridge/status", nil); err != nil {
		fmt.Printf("Error: %v\n", err)
	}

	// Test 2: Route table
	fmt.Println("\n=== Test 2: Routes ===")
	if err := call(client, "GET", baseURL+"/api/v1/bridge/routes", nil); err != nil {
		fmt.Printf("Error: %v\n", err)
	}

	// Test 3: Known servers
	fmt.Println("\n=== Test 3: Servers ===")
	if err := call(client, "GET", baseURL+"/api/v1/bridge/servers", nil); err != nil {
		fmt.Printf("Error: %v\n", err)
	}

	// Test 4: Federation probe (defaults to GET /version)
	fmt.Println("\n=== Test 4: Federation Probe ===")
	if err := call(client, "POST", baseURL+"/api/v1/bridge/test/federation/matrix.org", map[string]interface{}{}); err != nil {
		fmt.Printf("Error: %v\n", err)
	}

	fmt.Println("\n=== All tests completed ===")
}

func call(client *http.Client, method, url string, body interface{}) error {
	var encoded []byte
	var err error

	if body != nil {
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var result interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	prettyJSON, _ := json.MarshalIndent(result, "", "  ")
	fmt.Printf("Response (%d): %s\n", resp.StatusCode, string(prettyJSON))

	return nil
}
