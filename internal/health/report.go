package health

import (
	"os"
	"path/filepath"
	"time"

	"vaultline/internal/domain"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Report is the liveness response body.
type Report struct {
	Status    string                          `json:"status" enum:"ok,degraded"`
	Zone      string                          `json:"zone"`
	Timestamp string                          `json:"timestamp" format:"date-time"`
	VaultOK   bool                            `json:"vault_ok"`
	Services  map[string]domain.ServiceHealth `json:"services"`
}

// Checker builds liveness reports. It only reads the registry and the marker.
type Checker struct {
	Root         string
	Zone         string
	HandbookFile string
	Registry     *Registry
	Now          func() time.Time
}

// Check returns the current liveness report. The status is degraded when the
// vault or its handbook is missing, or when the degraded marker exists.
func (c Checker) Check() Report {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	vaultOK := c.vaultOK()
	services := map[string]domain.ServiceHealth{}
	if c.Registry != nil {
		services = c.Registry.Status()
	}
	status := StatusOK
	if !vaultOK || (Marker{Root: c.Root}).Present() {
		status = StatusDegraded
	}
	return Report{
		Status:    status,
		Zone:      c.Zone,
		Timestamp: now().UTC().Format(time.RFC3339),
		VaultOK:   vaultOK,
		Services:  services,
	}
}

func (c Checker) vaultOK() bool {
	if c.Root == "" {
		return false
	}
	info, err := os.Stat(c.Root)
	if err != nil || !info.IsDir() {
		return false
	}
	handbook := c.HandbookFile
	if handbook == "" {
		handbook = "Company_Handbook.md"
	}
	_, err = os.Stat(filepath.Join(c.Root, handbook))
	return err == nil
}
