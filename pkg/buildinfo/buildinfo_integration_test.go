//go:build integration

package buildinfo_test

import (
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/otherjamesbrown/minutes-admin/pkg/buildinfo"
)

// Post-deploy check of a running /version endpoint, e.g.
// MINUTES_VERSION_URL=https://minutes.example.com/version.
func TestVersionEndpoint_Deployed(t *testing.T) {
	url := os.Getenv("MINUTES_VERSION_URL")
	if url == "" {
		t.Skip("MINUTES_VERSION_URL not set")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Skipf("Service unreachable at %s (not deployed?): %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 from %s, got %d", url, resp.StatusCode)
	}

	var info buildinfo.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode JSON from %s: %v", url, err)
	}
	if info.ServiceName != "minutes-admin" {
		t.Errorf("Expected service_name 'minutes-admin', got '%s'", info.ServiceName)
	}
	if info.Version == "" || info.Commit == "" {
		t.Errorf("Expected version and commit, got %+v", info)
	}
}
